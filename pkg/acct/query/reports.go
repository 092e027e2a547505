// Package query implements the reporting layer: filtered read-only views
// over associations, clusters, jobs, reservations, wckeys and usage
// buckets, plus QOS preemption maintenance. Condition structs carry
// optional list filters that are ANDed together.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/slurm-tools/slacctdb/internal/structset"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// Column lists of the full-row scans.
var (
	assocCols = strings.Join(models.Association{}.TagNames("sql"), ",")
	jobCols   = strings.Join(models.Job{}.TagNames("sql"), ",")
	qosCols   = strings.Join(models.QOS{}.TagNames("sql"), ",")
	resvCols  = strings.Join(models.Reservation{}.TagNames("sql"), ",")
	wckeyCols = strings.Join(models.WCKey{}.TagNames("sql"), ",")
)

// Querier answers read-only report queries against the store.
type Querier struct {
	logger *slog.Logger
	store  *store.Store
}

// New returns a new report querier.
func New(s *store.Store, logger *slog.Logger) *Querier {
	return &Querier{logger: logger, store: s}
}

// AssocRecord is an association with its aggregate usage attached when
// requested.
type AssocRecord struct {
	models.Association
	AllocCPUSecs int64 `json:"alloc_cpu_secs,omitempty"`
}

// GetAssociations returns associations matching cond. With
// WithSubAccounts every association inside the subtree of a matched
// account is returned as well; with WithUsage the summed hourly
// allocation of each association is attached.
func (qr *Querier) GetAssociations(ctx context.Context, cond models.AssocCond) ([]AssocRecord, error) {
	q := Query{}

	if cond.WithSubAccounts && len(cond.Accts) > 0 {
		// Subtree expansion: a self join on lft/rgt containment pulls in
		// every descendant of the named accounts
		q.query(fmt.Sprintf(
			`SELECT %s FROM assoc a JOIN assoc p
				ON a.cluster = p.cluster AND a.lft BETWEEN p.lft AND p.rgt
				WHERE p."user" = '' AND p.acct IN `,
			prefixCols("a", assocCols),
		))
		q.param(anyStrings(cond.Accts))
	} else {
		q.query(fmt.Sprintf("SELECT %s FROM assoc a WHERE 1=1", prefixCols("a", assocCols)))

		if len(cond.Accts) > 0 {
			q.query(" AND a.acct IN ")
			q.param(anyStrings(cond.Accts))
		}
	}

	if !cond.WithDeleted {
		q.query(" AND a.deleted = 0")
	}

	if len(cond.Clusters) > 0 {
		q.query(" AND a.cluster IN ")
		q.param(anyStrings(cond.Clusters))
	}

	if len(cond.Users) > 0 {
		q.query(` AND a."user" IN `)
		q.param(anyStrings(cond.Users))
	}

	if len(cond.Partitions) > 0 {
		q.query(` AND a."partition" IN `)
		q.param(anyStrings(cond.Partitions))
	}

	if len(cond.IDs) > 0 {
		q.query(" AND a.id IN ")
		q.param(anyInts(cond.IDs))
	}

	if len(cond.QOS) > 0 {
		q.query(" AND EXISTS (SELECT 1 FROM json_each(a.qos) WHERE value IN ")
		q.param(anyStrings(cond.QOS))
		q.query(")")
	}

	q.query(" ORDER BY a.cluster, a.lft")

	stmt, params := q.get()

	assocs, err := scanInto[models.Association](ctx, qr.store.DB(), stmt, params)
	if err != nil {
		return nil, err
	}

	records := make([]AssocRecord, len(assocs))
	for i, a := range assocs {
		records[i] = AssocRecord{Association: a}

		if cond.WithUsage {
			if err := qr.store.DB().QueryRowContext(
				ctx,
				"SELECT COALESCE(SUM(alloc_cpu_secs), 0) FROM usage_hour WHERE scope = ? AND scope_id = ?",
				models.ScopeAssoc, a.ID,
			).Scan(&records[i].AllocCPUSecs); err != nil {
				return nil, err
			}
		}
	}

	return records, nil
}

// GetClusters returns clusters matching cond with the root association of
// each cluster tree attached.
func (qr *Querier) GetClusters(ctx context.Context, cond models.ClusterCond) ([]models.Cluster, error) {
	q := Query{}
	q.query("SELECT id, name, control_host, cpu_count, deleted FROM clusters WHERE 1=1")

	if !cond.WithDeleted {
		q.query(" AND deleted = 0")
	}

	if len(cond.Names) > 0 {
		q.query(" AND name IN ")
		q.param(anyStrings(cond.Names))
	}

	q.query(" ORDER BY name")

	stmt, params := q.get()

	rows, err := qr.store.DB().QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []models.Cluster

	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(&c.ID, &c.Name, &c.ControlHost, &c.CPUCount, &c.Deleted); err != nil {
			return nil, err
		}

		clusters = append(clusters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range clusters {
		root, err := qr.rootAssoc(ctx, clusters[i].Name)
		if err != nil {
			return nil, err
		}

		clusters[i].RootAssoc = root
	}

	return clusters, nil
}

func (qr *Querier) rootAssoc(ctx context.Context, cluster string) (*models.Association, error) {
	assocs, err := scanInto[models.Association](
		ctx, qr.store.DB(),
		fmt.Sprintf(
			`SELECT %s FROM assoc WHERE cluster = ? AND acct = ? AND "user" = ''`,
			assocCols,
		),
		[]any{cluster, store.RootAcct},
	)
	if err != nil {
		return nil, err
	}

	if len(assocs) == 0 {
		return nil, nil
	}

	return &assocs[0], nil
}

// GetJobs returns jobs matching cond. The node index filter selects jobs
// whose allocated node range overlaps [NodeIndexLow, NodeIndexHigh]; the
// time window selects jobs that were running at any point inside it.
func (qr *Querier) GetJobs(ctx context.Context, cond models.JobCond) ([]models.Job, error) {
	q := Query{}
	q.query(fmt.Sprintf("SELECT %s FROM jobs WHERE deleted = 0", jobCols))

	if len(cond.Clusters) > 0 {
		q.query(" AND cluster IN ")
		q.param(anyStrings(cond.Clusters))
	}

	if len(cond.JobIDs) > 0 {
		q.query(" AND job_id IN ")
		q.param(anyInts(cond.JobIDs))
	}

	if len(cond.AssocIDs) > 0 {
		q.query(" AND id_assoc IN ")
		q.param(anyInts(cond.AssocIDs))
	}

	if len(cond.ResvIDs) > 0 {
		q.query(" AND id_resv IN ")
		q.param(anyInts(cond.ResvIDs))
	}

	if len(cond.States) > 0 {
		q.query(" AND state IN ")
		q.param(anyStrings(cond.States))
	}

	if len(cond.Accts) > 0 || len(cond.Users) > 0 {
		sub := Query{}
		sub.query("SELECT id FROM assoc WHERE 1=1")

		if len(cond.Accts) > 0 {
			sub.query(" AND acct IN ")
			sub.param(anyStrings(cond.Accts))
		}

		if len(cond.Users) > 0 {
			sub.query(` AND "user" IN `)
			sub.param(anyStrings(cond.Users))
		}

		q.query(" AND id_assoc IN ")
		q.subQuery(sub)
	}

	// Node range overlap: "was this job on any of these nodes"
	if cond.NodeIndexHigh > 0 || cond.NodeIndexLow > 0 {
		q.query(" AND node_index_low <= ? AND node_index_high >= ? AND node_index_low >= 0")
		q.params = append(q.params, cond.NodeIndexHigh, cond.NodeIndexLow)
	}

	// Run window overlap: started before the window end and not finished
	// before the window start
	if cond.TimeEnd > 0 {
		q.query(" AND time_start < ? AND time_start > 0")
		q.params = append(q.params, cond.TimeEnd)
	}

	if cond.TimeStart > 0 {
		q.query(" AND (time_end = 0 OR time_end > ?)")
		q.params = append(q.params, cond.TimeStart)
	}

	if cond.OnlyRunning {
		q.query(" AND time_end = 0 AND time_start > 0")
	}

	q.query(" ORDER BY cluster, job_id")

	stmt, params := q.get()

	return scanInto[models.Job](ctx, qr.store.DB(), stmt, params)
}

// ResvRecord is a reservation with the job seconds consumed under it
// attached when requested.
type ResvRecord struct {
	models.Reservation
	AllocCPUSecs int64 `json:"alloc_cpu_secs,omitempty"`
}

// GetReservations returns reservations matching cond, re-querying the job
// table for consumed seconds when WithUsage is set.
func (qr *Querier) GetReservations(ctx context.Context, cond models.ResvCond) ([]ResvRecord, error) {
	q := Query{}
	q.query(fmt.Sprintf("SELECT %s FROM reservations WHERE deleted = 0", resvCols))

	if len(cond.Clusters) > 0 {
		q.query(" AND cluster IN ")
		q.param(anyStrings(cond.Clusters))
	}

	if len(cond.Names) > 0 {
		q.query(" AND name IN ")
		q.param(anyStrings(cond.Names))
	}

	if len(cond.ResvIDs) > 0 {
		q.query(" AND resv_id IN ")
		q.param(anyInts(cond.ResvIDs))
	}

	if cond.TimeEnd > 0 {
		q.query(" AND time_start < ?")
		q.params = append(q.params, cond.TimeEnd)
	}

	if cond.TimeStart > 0 {
		q.query(" AND (time_end = 0 OR time_end > ?)")
		q.params = append(q.params, cond.TimeStart)
	}

	q.query(" ORDER BY cluster, resv_id")

	stmt, params := q.get()

	resvs, err := scanInto[models.Reservation](ctx, qr.store.DB(), stmt, params)
	if err != nil {
		return nil, err
	}

	records := make([]ResvRecord, len(resvs))
	for i, r := range resvs {
		records[i] = ResvRecord{Reservation: r}

		if cond.WithUsage {
			// An open reservation consumes up to now
			resvEnd := r.TimeEnd
			if resvEnd == 0 {
				resvEnd = time.Now().Unix()
			}

			if err := qr.store.DB().QueryRowContext(
				ctx,
				`SELECT COALESCE(SUM((MIN(CASE WHEN time_end = 0 THEN ? ELSE time_end END, ?) - MAX(time_start, ?)) * alloc_cpus), 0)
					FROM jobs WHERE cluster = ? AND id_resv = ? AND time_start > 0 AND time_start < ?
					AND (time_end = 0 OR time_end > ?)`,
				resvEnd, resvEnd, r.TimeStart,
				r.Cluster, r.ResvID, resvEnd, r.TimeStart,
			).Scan(&records[i].AllocCPUSecs); err != nil {
				return nil, err
			}
		}
	}

	return records, nil
}

// GetWCKeys returns wckeys matching cond.
func (qr *Querier) GetWCKeys(ctx context.Context, cond models.WCKeyCond) ([]models.WCKey, error) {
	q := Query{}
	q.query(fmt.Sprintf("SELECT %s FROM wckeys WHERE 1=1", wckeyCols))

	if !cond.WithDeleted {
		q.query(" AND deleted = 0")
	}

	if len(cond.Clusters) > 0 {
		q.query(" AND cluster IN ")
		q.param(anyStrings(cond.Clusters))
	}

	if len(cond.Names) > 0 {
		q.query(" AND name IN ")
		q.param(anyStrings(cond.Names))
	}

	if len(cond.Users) > 0 {
		q.query(` AND "user" IN `)
		q.param(anyStrings(cond.Users))
	}

	q.query(` ORDER BY cluster, name, "user"`)

	stmt, params := q.get()

	return scanInto[models.WCKey](ctx, qr.store.DB(), stmt, params)
}

// GetUsage returns usage buckets of one granularity matching cond.
func (qr *Querier) GetUsage(ctx context.Context, cond models.UsageCond) ([]models.UsageBucket, error) {
	var table string

	switch cond.Granularity {
	case "", "hour":
		table = "usage_hour"
	case "day":
		table = "usage_day"
	case "month":
		table = "usage_month"
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadGranularity, cond.Granularity)
	}

	q := Query{}
	q.query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE deleted = 0",
		strings.Join(models.UsageBucket{}.TagNames("sql"), ","), table,
	))

	if len(cond.Clusters) > 0 {
		q.query(" AND cluster IN ")
		q.param(anyStrings(cond.Clusters))
	}

	if cond.Scope != "" {
		q.query(" AND scope = ?")
		q.params = append(q.params, cond.Scope)
	}

	if len(cond.ScopeIDs) > 0 {
		q.query(" AND scope_id IN ")
		q.param(anyInts(cond.ScopeIDs))
	}

	if cond.TimeStart > 0 {
		q.query(" AND period_start >= ?")
		q.params = append(q.params, cond.TimeStart)
	}

	if cond.TimeEnd > 0 {
		q.query(" AND period_start < ?")
		q.params = append(q.params, cond.TimeEnd)
	}

	q.query(" ORDER BY cluster, scope, scope_id, period_start")

	stmt, params := q.get()

	return scanInto[models.UsageBucket](ctx, qr.store.DB(), stmt, params)
}

// GetProblems reports orphaned entities: accounts and users that exist but
// have no live association anywhere.
func (qr *Querier) GetProblems(ctx context.Context) ([]models.Problem, error) {
	var problems []models.Problem

	rows, err := qr.store.DB().QueryContext(
		ctx,
		"SELECT name FROM accounts WHERE deleted = 0 AND name NOT IN (SELECT DISTINCT acct FROM assoc WHERE deleted = 0)",
	)
	if err != nil {
		return nil, err
	}

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()

			return nil, err
		}

		problems = append(problems, models.Problem{Kind: "account_without_association", Name: name})
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = qr.store.DB().QueryContext(
		ctx,
		`SELECT name FROM users WHERE deleted = 0 AND name NOT IN (SELECT DISTINCT "user" FROM assoc WHERE deleted = 0 AND "user" != '')`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		problems = append(problems, models.Problem{Kind: "user_without_association", Name: name})
	}

	return problems, rows.Err()
}

// prefixCols qualifies every column of a comma separated list with a table
// alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}

	return strings.Join(parts, ",")
}

// scanInto runs a query and scans every row into T via the struct tag
// indexes.
func scanInto[T any](ctx context.Context, db *sql.DB, stmt string, params []any) ([]T, error) {
	rows, err := db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var zero T

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(zero))

	var out []T

	for rows.Next() {
		var v T
		if err := structset.ScanRow(rows, columns, indexes, &v); err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}
