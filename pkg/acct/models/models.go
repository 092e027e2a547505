// Package models defines the entities persisted by the accounting store.
package models

import (
	"github.com/slurm-tools/slacctdb/internal/structset"
)

const (
	assocTableName     = "assoc"
	clusterTableName   = "clusters"
	userTableName      = "users"
	accountTableName   = "accounts"
	coordTableName     = "coordinators"
	qosTableName       = "qos"
	wckeyTableName     = "wckeys"
	jobTableName       = "jobs"
	eventTableName     = "events"
	resvTableName      = "reservations"
	suspendTableName   = "suspends"
	usageTableName     = "usage"
	txnLogTableName    = "txn_log"
	watermarkTableName = "rollup_watermarks"
)

// NoVal marks an unset resource limit. Unset limits are inherited from the
// parent association chain.
const NoVal int64 = -1

// Association deleted states.
const (
	AssocActive      int64 = 0
	AssocSoftDeleted int64 = 1
	AssocMoving      int64 = 2 // transient sentinel while a subtree is relocated
)

// Association is one node of a cluster's nested-set tree. A node is
// identified by the (cluster, acct, user, partition) tuple and its position
// in the tree by the (lft, rgt) interval.
type Association struct {
	ID            int64  `json:"id"                        sql:"id"               sqlitetype:"integer not null primary key autoincrement"`
	Cluster       string `json:"cluster"                   sql:"cluster"          sqlitetype:"text not null"`
	Acct          string `json:"acct"                      sql:"acct"             sqlitetype:"text not null"`
	User          string `json:"user,omitempty"            sql:"user"             sqlitetype:"text not null default ''"`
	Partition     string `json:"partition,omitempty"       sql:"partition"        sqlitetype:"text not null default ''"`
	ParentAcct    string `json:"parent_acct,omitempty"     sql:"parent_acct"      sqlitetype:"text not null default ''"`
	Lft           int64  `json:"lft"                       sql:"lft"              sqlitetype:"integer not null"`
	Rgt           int64  `json:"rgt"                       sql:"rgt"              sqlitetype:"integer not null"`
	Shares        int64  `json:"shares"                    sql:"shares"           sqlitetype:"integer not null default 1"`
	MaxJobs       int64  `json:"max_jobs,omitempty"        sql:"max_jobs"         sqlitetype:"integer not null default -1"`
	MaxSubmitJobs int64  `json:"max_submit_jobs,omitempty" sql:"max_submit_jobs"  sqlitetype:"integer not null default -1"`
	MaxCPUsPJ     int64  `json:"max_cpus_pj,omitempty"     sql:"max_cpus_pj"      sqlitetype:"integer not null default -1"`
	MaxNodesPJ    int64  `json:"max_nodes_pj,omitempty"    sql:"max_nodes_pj"     sqlitetype:"integer not null default -1"`
	MaxWallPJ     int64  `json:"max_wall_pj,omitempty"     sql:"max_wall_pj"      sqlitetype:"integer not null default -1"`
	MaxCPUMinsPJ  int64  `json:"max_cpu_mins_pj,omitempty" sql:"max_cpu_mins_pj"  sqlitetype:"integer not null default -1"`
	MaxCPURunMins int64  `json:"max_cpu_run_mins,omitempty" sql:"max_cpu_run_mins" sqlitetype:"integer not null default -1"`
	GrpJobs       int64  `json:"grp_jobs,omitempty"        sql:"grp_jobs"         sqlitetype:"integer not null default -1"`
	GrpSubmitJobs int64  `json:"grp_submit_jobs,omitempty" sql:"grp_submit_jobs"  sqlitetype:"integer not null default -1"`
	GrpCPUs       int64  `json:"grp_cpus,omitempty"        sql:"grp_cpus"         sqlitetype:"integer not null default -1"`
	GrpNodes      int64  `json:"grp_nodes,omitempty"       sql:"grp_nodes"        sqlitetype:"integer not null default -1"`
	GrpWall       int64  `json:"grp_wall,omitempty"        sql:"grp_wall"         sqlitetype:"integer not null default -1"`
	GrpCPUMins    int64  `json:"grp_cpu_mins,omitempty"    sql:"grp_cpu_mins"     sqlitetype:"integer not null default -1"`
	QOS           List   `json:"qos,omitempty"             sql:"qos"              sqlitetype:"text not null default '[]'"`
	DeltaQOS      List   `json:"delta_qos,omitempty"       sql:"delta_qos"        sqlitetype:"text not null default '[]'"`
	Deleted       int64  `json:"deleted,omitempty"         sql:"deleted"          sqlitetype:"integer not null default 0"`
}

// TableName returns the table which associations are stored into.
func (Association) TableName() string {
	return assocTableName
}

// TagNames returns a slice of all tag names.
func (a Association) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(a, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag.
func (a Association) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(a, keyTag, valueTag)
}

// ResourceLimits is the set of limit fields of an association with
// inheritance applied.
type ResourceLimits struct {
	MaxJobs       int64 `json:"max_jobs"`
	MaxSubmitJobs int64 `json:"max_submit_jobs"`
	MaxCPUsPJ     int64 `json:"max_cpus_pj"`
	MaxNodesPJ    int64 `json:"max_nodes_pj"`
	MaxWallPJ     int64 `json:"max_wall_pj"`
	MaxCPUMinsPJ  int64 `json:"max_cpu_mins_pj"`
	MaxCPURunMins int64 `json:"max_cpu_run_mins"`
	GrpJobs       int64 `json:"grp_jobs"`
	GrpSubmitJobs int64 `json:"grp_submit_jobs"`
	GrpCPUs       int64 `json:"grp_cpus"`
	GrpNodes      int64 `json:"grp_nodes"`
	GrpWall       int64 `json:"grp_wall"`
	GrpCPUMins    int64 `json:"grp_cpu_mins"`
}

// Limits returns the limit fields of an association as a ResourceLimits.
func (a Association) Limits() ResourceLimits {
	return ResourceLimits{
		MaxJobs:       a.MaxJobs,
		MaxSubmitJobs: a.MaxSubmitJobs,
		MaxCPUsPJ:     a.MaxCPUsPJ,
		MaxNodesPJ:    a.MaxNodesPJ,
		MaxWallPJ:     a.MaxWallPJ,
		MaxCPUMinsPJ:  a.MaxCPUMinsPJ,
		MaxCPURunMins: a.MaxCPURunMins,
		GrpJobs:       a.GrpJobs,
		GrpSubmitJobs: a.GrpSubmitJobs,
		GrpCPUs:       a.GrpCPUs,
		GrpNodes:      a.GrpNodes,
		GrpWall:       a.GrpWall,
		GrpCPUMins:    a.GrpCPUMins,
	}
}

// Cluster is a registered cluster. The root association of the cluster tree
// is attached when clusters are fetched with their associations.
type Cluster struct {
	ID         int64        `json:"id"                    sql:"id"          sqlitetype:"integer not null primary key autoincrement"`
	Name       string       `json:"name"                  sql:"name"        sqlitetype:"text not null unique"`
	ControlHost string      `json:"control_host,omitempty" sql:"control_host" sqlitetype:"text not null default ''"`
	CPUCount   int64        `json:"cpu_count,omitempty"   sql:"cpu_count"   sqlitetype:"integer not null default 0"`
	Deleted    int64        `json:"deleted,omitempty"     sql:"deleted"     sqlitetype:"integer not null default 0"`
	RootAssoc  *Association `json:"root_assoc,omitempty"  sql:"-"`
}

// TableName returns the table which clusters are stored into.
func (Cluster) TableName() string {
	return clusterTableName
}

// TagNames returns a slice of all tag names.
func (c Cluster) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(c, tag)
}

// User is a known user with an admin level.
type User struct {
	ID         int64  `json:"id"                     sql:"id"          sqlitetype:"integer not null primary key autoincrement"`
	Name       string `json:"name"                   sql:"name"        sqlitetype:"text not null unique"`
	DefaultAcct string `json:"default_acct,omitempty" sql:"default_acct" sqlitetype:"text not null default ''"`
	AdminLevel int64  `json:"admin_level"            sql:"admin_level" sqlitetype:"integer not null default 0"`
	Deleted    int64  `json:"deleted,omitempty"      sql:"deleted"     sqlitetype:"integer not null default 0"`
}

// TableName returns the table which users are stored into.
func (User) TableName() string {
	return userTableName
}

// TagNames returns a slice of all tag names.
func (u User) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(u, tag)
}

// Account is a shared (non per-cluster) account record.
type Account struct {
	ID          int64  `json:"id"                    sql:"id"           sqlitetype:"integer not null primary key autoincrement"`
	Name        string `json:"name"                  sql:"name"         sqlitetype:"text not null unique"`
	Description string `json:"description,omitempty" sql:"description"  sqlitetype:"text not null default ''"`
	Organization string `json:"organization,omitempty" sql:"organization" sqlitetype:"text not null default ''"`
	Deleted     int64  `json:"deleted,omitempty"     sql:"deleted"      sqlitetype:"integer not null default 0"`
}

// TableName returns the table which accounts are stored into.
func (Account) TableName() string {
	return accountTableName
}

// TagNames returns a slice of all tag names.
func (a Account) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(a, tag)
}

// Coordinator grants a non-admin user mutation rights over one account and
// its subtree.
type Coordinator struct {
	ID      int64  `json:"id"                sql:"id"      sqlitetype:"integer not null primary key autoincrement"`
	User    string `json:"user"              sql:"user"    sqlitetype:"text not null"`
	Acct    string `json:"acct"              sql:"acct"    sqlitetype:"text not null"`
	Deleted int64  `json:"deleted,omitempty" sql:"deleted" sqlitetype:"integer not null default 0"`
}

// TableName returns the table which coordinators are stored into.
func (Coordinator) TableName() string {
	return coordTableName
}

// TagNames returns a slice of all tag names.
func (c Coordinator) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(c, tag)
}

// QOS is a quality of service class with its own limits and preemption
// relations. Preempts holds ids of QOSes this one may preempt.
type QOS struct {
	ID          int64     `json:"id"                    sql:"id"           sqlitetype:"integer not null primary key autoincrement"`
	Name        string    `json:"name"                  sql:"name"         sqlitetype:"text not null unique"`
	Description string    `json:"description,omitempty" sql:"description"  sqlitetype:"text not null default ''"`
	Priority    int64     `json:"priority,omitempty"    sql:"priority"     sqlitetype:"integer not null default 0"`
	MaxJobsPU   int64     `json:"max_jobs_pu,omitempty" sql:"max_jobs_pu"  sqlitetype:"integer not null default -1"`
	MaxCPUsPU   int64     `json:"max_cpus_pu,omitempty" sql:"max_cpus_pu"  sqlitetype:"integer not null default -1"`
	GrpCPUs     int64     `json:"grp_cpus,omitempty"    sql:"grp_cpus"     sqlitetype:"integer not null default -1"`
	Preempts    Int64List `json:"preempts,omitempty"    sql:"preempts"     sqlitetype:"text not null default '[]'"`
	UsageFactor float64   `json:"usage_factor,omitempty" sql:"usage_factor" sqlitetype:"real not null default 1.0"`
	Deleted     int64     `json:"deleted,omitempty"     sql:"deleted"      sqlitetype:"integer not null default 0"`
}

// TableName returns the table which QOSes are stored into.
func (QOS) TableName() string {
	return qosTableName
}

// TagNames returns a slice of all tag names.
func (q QOS) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(q, tag)
}

// WCKey is a workload characterization key, a secondary accounting dimension
// orthogonal to the association tree.
type WCKey struct {
	ID      int64  `json:"id"                sql:"id"      sqlitetype:"integer not null primary key autoincrement"`
	Cluster string `json:"cluster"           sql:"cluster" sqlitetype:"text not null"`
	Name    string `json:"name"              sql:"name"    sqlitetype:"text not null"`
	User    string `json:"user"              sql:"user"    sqlitetype:"text not null"`
	Deleted int64  `json:"deleted,omitempty" sql:"deleted" sqlitetype:"integer not null default 0"`
}

// TableName returns the table which wckeys are stored into.
func (WCKey) TableName() string {
	return wckeyTableName
}

// TagNames returns a slice of all tag names.
func (w WCKey) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(w, tag)
}

// Job is a raw job record as reported by the cluster controller. TimeEnd of
// zero means the job is still running.
type Job struct {
	ID           int64  `json:"id"                      sql:"id"            sqlitetype:"integer not null primary key autoincrement"`
	JobID        int64  `json:"job_id"                  sql:"job_id"        sqlitetype:"integer not null"`
	Cluster      string `json:"cluster"                 sql:"cluster"       sqlitetype:"text not null"`
	AssocID      int64  `json:"id_assoc"                sql:"id_assoc"      sqlitetype:"integer not null"`
	WCKeyID      int64  `json:"id_wckey,omitempty"      sql:"id_wckey"      sqlitetype:"integer not null default 0"`
	ResvID       int64  `json:"id_resv,omitempty"       sql:"id_resv"       sqlitetype:"integer not null default 0"`
	Name         string `json:"name,omitempty"          sql:"name"          sqlitetype:"text not null default ''"`
	User         string `json:"user,omitempty"          sql:"user"          sqlitetype:"text not null default ''"`
	Partition    string `json:"partition,omitempty"     sql:"partition"     sqlitetype:"text not null default ''"`
	AllocCPUs    int64  `json:"alloc_cpus"              sql:"alloc_cpus"    sqlitetype:"integer not null default 0"`
	ReqCPUs      int64  `json:"req_cpus"                sql:"req_cpus"      sqlitetype:"integer not null default 0"`
	NodeList     string `json:"nodelist,omitempty"      sql:"nodelist"      sqlitetype:"text not null default ''"`
	NodeIndexLow int64  `json:"node_index_low,omitempty"  sql:"node_index_low"  sqlitetype:"integer not null default -1"`
	NodeIndexHigh int64 `json:"node_index_high,omitempty" sql:"node_index_high" sqlitetype:"integer not null default -1"`
	TimeEligible int64  `json:"time_eligible"           sql:"time_eligible" sqlitetype:"integer not null default 0"`
	TimeStart    int64  `json:"time_start"              sql:"time_start"    sqlitetype:"integer not null default 0"`
	TimeEnd      int64  `json:"time_end"                sql:"time_end"      sqlitetype:"integer not null default 0"`
	State        string `json:"state,omitempty"         sql:"state"         sqlitetype:"text not null default ''"`
	Deleted      int64  `json:"deleted,omitempty"       sql:"deleted"       sqlitetype:"integer not null default 0"`
}

// TableName returns the table which jobs are stored into.
func (Job) TableName() string {
	return jobTableName
}

// TagNames returns a slice of all tag names.
func (j Job) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(j, tag)
}

// Event is a cluster or node state change record. An event with an empty
// NodeName is a cluster registration carrying the cluster CPU count; one
// with a node name is a node down interval.
type Event struct {
	ID          int64  `json:"id"                     sql:"id"           sqlitetype:"integer not null primary key autoincrement"`
	Cluster     string `json:"cluster"                sql:"cluster"      sqlitetype:"text not null"`
	NodeName    string `json:"node_name,omitempty"    sql:"node_name"    sqlitetype:"text not null default ''"`
	CPUCount    int64  `json:"cpu_count"              sql:"cpu_count"    sqlitetype:"integer not null default 0"`
	TimeStart   int64  `json:"time_start"             sql:"time_start"   sqlitetype:"integer not null default 0"`
	TimeEnd     int64  `json:"time_end"               sql:"time_end"     sqlitetype:"integer not null default 0"`
	Reason      string `json:"reason,omitempty"       sql:"reason"       sqlitetype:"text not null default ''"`
	Maintenance int64  `json:"maintenance,omitempty"  sql:"maintenance"  sqlitetype:"integer not null default 0"`
	Deleted     int64  `json:"deleted,omitempty"      sql:"deleted"      sqlitetype:"integer not null default 0"`
}

// TableName returns the table which events are stored into.
func (Event) TableName() string {
	return eventTableName
}

// TagNames returns a slice of all tag names.
func (e Event) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(e, tag)
}

// Reservation is a raw reservation record. Assocs lists the association ids
// eligible to run under the reservation.
type Reservation struct {
	ID          int64     `json:"id"                    sql:"id"          sqlitetype:"integer not null primary key autoincrement"`
	ResvID      int64     `json:"resv_id"               sql:"resv_id"     sqlitetype:"integer not null"`
	Cluster     string    `json:"cluster"               sql:"cluster"     sqlitetype:"text not null"`
	Name        string    `json:"name,omitempty"        sql:"name"        sqlitetype:"text not null default ''"`
	CPUCount    int64     `json:"cpu_count"             sql:"cpu_count"   sqlitetype:"integer not null default 0"`
	TimeStart   int64     `json:"time_start"            sql:"time_start"  sqlitetype:"integer not null default 0"`
	TimeEnd     int64     `json:"time_end"              sql:"time_end"    sqlitetype:"integer not null default 0"`
	Maintenance int64     `json:"maintenance,omitempty" sql:"maintenance" sqlitetype:"integer not null default 0"`
	Assocs      Int64List `json:"assocs,omitempty"      sql:"assocs"      sqlitetype:"text not null default '[]'"`
	Deleted     int64     `json:"deleted,omitempty"     sql:"deleted"     sqlitetype:"integer not null default 0"`
}

// TableName returns the table which reservations are stored into.
func (Reservation) TableName() string {
	return resvTableName
}

// TagNames returns a slice of all tag names.
func (r Reservation) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(r, tag)
}

// SuspendInterval records a period during which a job was suspended.
type SuspendInterval struct {
	ID        int64 `json:"id"         sql:"id"         sqlitetype:"integer not null primary key autoincrement"`
	JobDBID   int64 `json:"job_db_id"  sql:"job_db_id"  sqlitetype:"integer not null"`
	TimeStart int64 `json:"time_start" sql:"time_start" sqlitetype:"integer not null default 0"`
	TimeEnd   int64 `json:"time_end"   sql:"time_end"   sqlitetype:"integer not null default 0"`
}

// TableName returns the table which suspend intervals are stored into.
func (SuspendInterval) TableName() string {
	return suspendTableName
}

// TagNames returns a slice of all tag names.
func (s SuspendInterval) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(s, tag)
}

// Usage bucket scopes.
const (
	ScopeCluster = "cluster"
	ScopeAssoc   = "assoc"
	ScopeWCKey   = "wckey"
)

// UsageBucket is one time-bucketed usage record. The same struct backs the
// hour, day and month tables; buckets are unique per
// (scope, scope_id, period_start) within each table.
type UsageBucket struct {
	ID              int64  `json:"id"                 sql:"id"                sqlitetype:"integer not null primary key autoincrement"`
	Scope           string `json:"scope"              sql:"scope"             sqlitetype:"text not null"`
	ScopeID         int64  `json:"scope_id"           sql:"scope_id"          sqlitetype:"integer not null"`
	Cluster         string `json:"cluster"            sql:"cluster"           sqlitetype:"text not null"`
	PeriodStart     int64  `json:"period_start"       sql:"period_start"      sqlitetype:"integer not null"`
	CPUCount        int64  `json:"cpu_count"          sql:"cpu_count"         sqlitetype:"integer not null default 0"`
	AllocCPUSecs    int64  `json:"alloc_cpu_secs"     sql:"alloc_cpu_secs"    sqlitetype:"integer not null default 0"`
	DownCPUSecs     int64  `json:"down_cpu_secs"      sql:"down_cpu_secs"     sqlitetype:"integer not null default 0"`
	PDownCPUSecs    int64  `json:"pdown_cpu_secs"     sql:"pdown_cpu_secs"    sqlitetype:"integer not null default 0"`
	IdleCPUSecs     int64  `json:"idle_cpu_secs"      sql:"idle_cpu_secs"     sqlitetype:"integer not null default 0"`
	ReservedCPUSecs int64  `json:"reserved_cpu_secs"  sql:"reserved_cpu_secs" sqlitetype:"integer not null default 0"`
	OverCPUSecs     int64  `json:"over_cpu_secs"      sql:"over_cpu_secs"     sqlitetype:"integer not null default 0"`
	Deleted         int64  `json:"deleted,omitempty"  sql:"deleted"           sqlitetype:"integer not null default 0"`
}

// TableName returns the base name of the tables which usage buckets are
// stored into. The granularity suffix is appended per table.
func (UsageBucket) TableName() string {
	return usageTableName
}

// TagNames returns a slice of all tag names.
func (u UsageBucket) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(u, tag)
}

// TxnLog is one append-only audit record. It is written inside the same
// transaction as the mutation it describes.
type TxnLog struct {
	ID        int64  `json:"id"                sql:"id"        sqlitetype:"integer not null primary key autoincrement"`
	TxnID     string `json:"txn_id"            sql:"txn_id"    sqlitetype:"text not null"`
	Timestamp int64  `json:"timestamp"         sql:"timestamp" sqlitetype:"integer not null"`
	Actor     string `json:"actor"             sql:"actor"     sqlitetype:"text not null"`
	Action    string `json:"action"            sql:"action"    sqlitetype:"text not null"`
	Object    string `json:"object"            sql:"object"    sqlitetype:"text not null default ''"`
	Info      string `json:"info,omitempty"    sql:"info"      sqlitetype:"text not null default ''"`
	Cluster   string `json:"cluster,omitempty" sql:"cluster"   sqlitetype:"text not null default ''"`
}

// TableName returns the table which audit records are stored into.
func (TxnLog) TableName() string {
	return txnLogTableName
}

// TagNames returns a slice of all tag names.
func (t TxnLog) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(t, tag)
}

// RollupWatermark stores the last successfully rolled timestamp of a
// cluster per granularity.
type RollupWatermark struct {
	ID      int64  `json:"id"      sql:"id"      sqlitetype:"integer not null primary key autoincrement"`
	Cluster string `json:"cluster" sql:"cluster" sqlitetype:"text not null unique"`
	Hourly  int64  `json:"hourly"  sql:"hourly"  sqlitetype:"integer not null default 0"`
	Daily   int64  `json:"daily"   sql:"daily"   sqlitetype:"integer not null default 0"`
	Monthly int64  `json:"monthly" sql:"monthly" sqlitetype:"integer not null default 0"`
}

// TableName returns the table which rollup watermarks are stored into.
func (RollupWatermark) TableName() string {
	return watermarkTableName
}

// TagNames returns a slice of all tag names.
func (r RollupWatermark) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(r, tag)
}
