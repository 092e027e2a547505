package models

// AssocCond filters association queries. All set fields are ANDed together.
type AssocCond struct {
	Clusters        []string `json:"clusters,omitempty"`
	Accts           []string `json:"accts,omitempty"`
	Users           []string `json:"users,omitempty"`
	Partitions      []string `json:"partitions,omitempty"`
	IDs             []int64  `json:"ids,omitempty"`
	QOS             []string `json:"qos,omitempty"`
	WithDeleted     bool     `json:"with_deleted,omitempty"`
	WithUsage       bool     `json:"with_usage,omitempty"`
	WithSubAccounts bool     `json:"with_sub_accounts,omitempty"`
}

// ClusterCond filters cluster queries.
type ClusterCond struct {
	Names       []string `json:"names,omitempty"`
	WithDeleted bool     `json:"with_deleted,omitempty"`
}

// JobCond filters job queries. NodeIndexLow/High select jobs whose node
// index range overlaps the given one; TimeStart/TimeEnd bound the run
// window of matched jobs.
type JobCond struct {
	Clusters      []string `json:"clusters,omitempty"`
	Accts         []string `json:"accts,omitempty"`
	Users         []string `json:"users,omitempty"`
	JobIDs        []int64  `json:"job_ids,omitempty"`
	AssocIDs      []int64  `json:"assoc_ids,omitempty"`
	ResvIDs       []int64  `json:"resv_ids,omitempty"`
	States        []string `json:"states,omitempty"`
	NodeIndexLow  int64    `json:"node_index_low,omitempty"`
	NodeIndexHigh int64    `json:"node_index_high,omitempty"`
	TimeStart     int64    `json:"time_start,omitempty"`
	TimeEnd       int64    `json:"time_end,omitempty"`
	OnlyRunning   bool     `json:"only_running,omitempty"`
}

// QOSCond filters QOS queries.
type QOSCond struct {
	Names       []string `json:"names,omitempty"`
	IDs         []int64  `json:"ids,omitempty"`
	WithDeleted bool     `json:"with_deleted,omitempty"`
}

// ResvCond filters reservation queries.
type ResvCond struct {
	Clusters  []string `json:"clusters,omitempty"`
	Names     []string `json:"names,omitempty"`
	ResvIDs   []int64  `json:"resv_ids,omitempty"`
	TimeStart int64    `json:"time_start,omitempty"`
	TimeEnd   int64    `json:"time_end,omitempty"`
	WithUsage bool     `json:"with_usage,omitempty"`
}

// WCKeyCond filters wckey queries.
type WCKeyCond struct {
	Clusters    []string `json:"clusters,omitempty"`
	Names       []string `json:"names,omitempty"`
	Users       []string `json:"users,omitempty"`
	WithDeleted bool     `json:"with_deleted,omitempty"`
}

// UsageCond filters usage bucket queries.
type UsageCond struct {
	Clusters    []string `json:"clusters,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	ScopeIDs    []int64  `json:"scope_ids,omitempty"`
	Granularity string   `json:"granularity,omitempty"`
	TimeStart   int64    `json:"time_start,omitempty"`
	TimeEnd     int64    `json:"time_end,omitempty"`
}

// Problem is one orphaned entity found by the problems report.
type Problem struct {
	Kind    string `json:"kind"`
	Cluster string `json:"cluster,omitempty"`
	Name    string `json:"name"`
}
