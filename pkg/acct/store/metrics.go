package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txnCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slacctdb_store_txn_commits_total",
		Help: "Total number of committed store transactions.",
	})
	txnRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slacctdb_store_txn_rollbacks_total",
		Help: "Total number of rolled back store transactions.",
	})
	connRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slacctdb_store_conn_retries_total",
		Help: "Total number of transaction retries after a lost connection.",
	})
)
