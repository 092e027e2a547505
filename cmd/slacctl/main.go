package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/common/version"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

// CLI app.
var slacctlApp = kingpin.New(
	filepath.Base(os.Args[0]), "Reporting CLI for the accounting storage server.",
).UsageWriter(os.Stdout)

// Accepted time stamp layouts of --starttime and --endtime.
var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// assocRecord is an association row with its aggregate usage attached.
type assocRecord struct {
	models.Association
	AllocCPUSecs int64 `json:"alloc_cpu_secs,omitempty"`
}

func main() {
	var (
		serverURL, currentUser          string
		clusterFlag, acctFlag, userFlag string
		startTime, endTime              string
		granularity, scope              string
		withUsage, onlyRunning, mdOut   bool
	)

	slacctlApp.Version(version.Print("slacctl"))
	slacctlApp.HelpFlag.Short('h')

	slacctlApp.Flag(
		"server", "Base URL of the accounting API server.",
	).Envar("SLACCTL_SERVER_URL").Default("http://localhost:9030").StringVar(&serverURL)
	slacctlApp.Flag(
		"asuser", "Name of the user to act as. Defaults to the running user.",
	).StringVar(&currentUser)
	slacctlApp.Flag(
		"cluster", "Comma separated list of clusters to report on. By default, all clusters are selected.",
	).StringVar(&clusterFlag)
	slacctlApp.Flag(
		"markdown", "Produce markdown output (default: false).",
	).Default("false").BoolVar(&mdOut)

	assocCmd := slacctlApp.Command("associations", "Show the association tree.")
	assocCmd.Flag("account", "Comma separated list of accounts to select.").StringVar(&acctFlag)
	assocCmd.Flag("user", "Comma separated list of user names to select.").StringVar(&userFlag)
	assocCmd.Flag("usage", "Attach the summed CPU seconds of each association.").BoolVar(&withUsage)

	clustersCmd := slacctlApp.Command("clusters", "Show registered clusters.")

	jobsCmd := slacctlApp.Command("jobs", "Show jobs.")
	jobsCmd.Flag("account", "Comma separated list of accounts to select jobs.").StringVar(&acctFlag)
	jobsCmd.Flag("user", "Comma separated list of user names to select jobs.").StringVar(&userFlag)
	jobsCmd.Flag(
		"starttime", "Select jobs running after this time. Valid format is YYYY-MM-DD[THH:MM[:SS]].",
	).StringVar(&startTime)
	jobsCmd.Flag(
		"endtime", "Select jobs running before this time. Valid format is YYYY-MM-DD[THH:MM[:SS]].",
	).StringVar(&endTime)
	jobsCmd.Flag("running", "Select only running jobs.").BoolVar(&onlyRunning)

	usageCmd := slacctlApp.Command("usage", "Show rolled up usage.")
	usageCmd.Flag("granularity", "One of hour, day or month (default: hour).").Default("hour").StringVar(&granularity)
	usageCmd.Flag("scope", "One of cluster, assoc or wckey (default: cluster).").Default("cluster").StringVar(&scope)
	usageCmd.Flag(
		"starttime", "Select buckets starting after this time. Valid format is YYYY-MM-DD[THH:MM[:SS]].",
	).StringVar(&startTime)
	usageCmd.Flag(
		"endtime", "Select buckets starting before this time. Valid format is YYYY-MM-DD[THH:MM[:SS]].",
	).StringVar(&endTime)

	problemsCmd := slacctlApp.Command("problems", "Show orphaned accounts and users.")

	cmd, err := slacctlApp.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse CLI flags: %v", err)
	}

	if currentUser == "" {
		u, err := user.Current()
		if err != nil {
			kingpin.Fatalf("failed to get current user: %v", err)
		}

		currentUser = u.Username
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}

	values := url.Values{}
	addList(values, "cluster", clusterFlag)

	switch cmd {
	case assocCmd.FullCommand():
		addList(values, "account", acctFlag)
		addList(values, "user", userFlag)

		if withUsage {
			values.Set("with_usage", "true")
		}

		assocs, err := makeRequest[assocRecord](ctx, serverURL, "/api/v1/associations", currentUser, values, client)
		if err != nil {
			kingpin.Fatalf("failed to fetch associations: %v", err)
		}

		renderAssociations(assocs, withUsage, mdOut)
	case clustersCmd.FullCommand():
		clusters, err := makeRequest[models.Cluster](ctx, serverURL, "/api/v1/clusters", currentUser, values, client)
		if err != nil {
			kingpin.Fatalf("failed to fetch clusters: %v", err)
		}

		renderClusters(clusters, mdOut)
	case jobsCmd.FullCommand():
		addList(values, "account", acctFlag)
		addList(values, "user", userFlag)
		addTime(values, "start", startTime)
		addTime(values, "end", endTime)

		if onlyRunning {
			values.Set("running", "true")
		}

		jobs, err := makeRequest[models.Job](ctx, serverURL, "/api/v1/jobs", currentUser, values, client)
		if err != nil {
			kingpin.Fatalf("failed to fetch jobs: %v", err)
		}

		renderJobs(jobs, mdOut)
	case usageCmd.FullCommand():
		values.Set("granularity", granularity)
		values.Set("scope", scope)
		addTime(values, "start", startTime)
		addTime(values, "end", endTime)

		buckets, err := makeRequest[models.UsageBucket](ctx, serverURL, "/api/v1/usage", currentUser, values, client)
		if err != nil {
			kingpin.Fatalf("failed to fetch usage: %v", err)
		}

		renderUsage(buckets, mdOut)
	case problemsCmd.FullCommand():
		problems, err := makeRequest[models.Problem](ctx, serverURL, "/api/v1/problems", currentUser, values, client)
		if err != nil {
			kingpin.Fatalf("failed to fetch problems: %v", err)
		}

		renderProblems(problems, mdOut)
	}
}

// addList splits a comma separated flag into repeated query parameters.
func addList(values url.Values, key, flag string) {
	if flag == "" {
		return
	}

	for _, v := range strings.Split(flag, ",") {
		values.Add(key, strings.TrimSpace(v))
	}
}

// addTime parses a time stamp flag and adds it as a unix epoch parameter.
func addTime(values url.Values, key, flag string) {
	if flag == "" {
		return
	}

	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, flag, time.Local); err == nil {
			values.Set(key, strconv.FormatInt(ts.Unix(), 10))

			return
		}
	}

	kingpin.Fatalf("invalid time stamp %q. Valid format is YYYY-MM-DD[THH:MM[:SS]]", flag)
}

// newTable returns a table writer in the house style.
func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.Style{
		Name:    "CustomStyleLight",
		Box:     table.StyleBoxLight,
		Color:   table.ColorOptionsDefault,
		HTML:    table.DefaultHTMLOptions,
		Options: table.OptionsDefault,
		Size:    table.SizeOptionsDefault,
		Title:   table.TitleOptionsDefault,
		Format: table.FormatOptions{
			Footer: text.FormatDefault,
			Header: text.FormatUpper,
			Row:    text.FormatDefault,
		},
	})
	t.SuppressTrailingSpaces()

	return t
}

func render(t table.Writer, mdOut bool) {
	if mdOut {
		t.RenderMarkdown()
	} else {
		t.Render()
	}
}

// renderAssociations prints the association tree. Rows arrive ordered by
// cluster and lft, so the nesting depth of each node is the number of
// pending ancestors whose interval still encloses it.
func renderAssociations(assocs []assocRecord, withUsage bool, mdOut bool) {
	t := newTable()

	header := table.Row{"Cluster", "Account", "User", "Partition", "Shares"}
	if withUsage {
		header = append(header, "CPU Secs")
	}

	t.AppendHeader(header)

	var (
		stack   []int64
		cluster string
	)

	for _, a := range assocs {
		if a.Cluster != cluster {
			cluster = a.Cluster
			stack = stack[:0]
		}

		for len(stack) > 0 && stack[len(stack)-1] < a.Lft {
			stack = stack[:len(stack)-1]
		}

		indent := strings.Repeat("  ", len(stack))
		stack = append(stack, a.Rgt)

		row := table.Row{a.Cluster, indent + a.Acct, a.User, a.Partition, a.Shares}
		if withUsage {
			row = append(row, a.AllocCPUSecs)
		}

		t.AppendRow(row)
	}

	render(t, mdOut)
}

func renderClusters(clusters []models.Cluster, mdOut bool) {
	t := newTable()
	t.AppendHeader(table.Row{"Name", "Control Host", "CPUs"})

	for _, c := range clusters {
		t.AppendRow(table.Row{c.Name, c.ControlHost, c.CPUCount})
	}

	render(t, mdOut)
}

func renderJobs(jobs []models.Job, mdOut bool) {
	t := newTable()
	t.AppendHeader(table.Row{"Job ID", "Cluster", "Name", "User", "Partition", "CPUs", "Nodes", "Started", "Ended", "State"})

	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.JobID, j.Cluster, j.Name, j.User, j.Partition, j.AllocCPUs, j.NodeList,
			formatTime(j.TimeStart), formatTime(j.TimeEnd), j.State,
		})
	}

	render(t, mdOut)
}

func renderUsage(buckets []models.UsageBucket, mdOut bool) {
	t := newTable()
	t.AppendHeader(table.Row{"Cluster", "Scope", "Scope ID", "Period", "Alloc", "Down", "PDown", "Idle", "Reserved", "Over"})

	for _, b := range buckets {
		t.AppendRow(table.Row{
			b.Cluster, b.Scope, b.ScopeID, formatTime(b.PeriodStart),
			b.AllocCPUSecs, b.DownCPUSecs, b.PDownCPUSecs, b.IdleCPUSecs, b.ReservedCPUSecs, b.OverCPUSecs,
		})
	}

	render(t, mdOut)
}

func renderProblems(problems []models.Problem, mdOut bool) {
	t := newTable()
	t.AppendHeader(table.Row{"Kind", "Name"})

	for _, p := range problems {
		t.AppendRow(table.Row{p.Kind, p.Name})
	}

	render(t, mdOut)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return "-"
	}

	return time.Unix(ts, 0).Format("2006-01-02T15:04:05")
}
