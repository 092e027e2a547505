// Package base defines names and variables that have global scope across the
// accounting subpackages.
package base

import (
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

// AcctServerAppName is the kingpin app name of the accounting server.
const AcctServerAppName = "slacctdb_server"

// AcctServerApp is the kingpin app of the accounting server.
var AcctServerApp = *kingpin.New(
	AcctServerAppName,
	"Accounting storage server for SLURM-like HPC clusters.",
)

// AcctCtlAppName is the kingpin app name of the reporting CLI.
const AcctCtlAppName = "slacctl"

// AcctCtlApp is the kingpin app of the reporting CLI.
var AcctCtlApp = *kingpin.New(
	AcctCtlAppName,
	"Reporting CLI for the accounting storage server.",
)

// DB table names.
var (
	AssocDBTableName       = models.Association{}.TableName()
	ClusterDBTableName     = models.Cluster{}.TableName()
	UserDBTableName        = models.User{}.TableName()
	AccountDBTableName     = models.Account{}.TableName()
	CoordDBTableName       = models.Coordinator{}.TableName()
	QOSDBTableName         = models.QOS{}.TableName()
	WCKeyDBTableName       = models.WCKey{}.TableName()
	JobDBTableName         = models.Job{}.TableName()
	EventDBTableName       = models.Event{}.TableName()
	ResvDBTableName        = models.Reservation{}.TableName()
	SuspendDBTableName     = models.SuspendInterval{}.TableName()
	UsageHourDBTableName   = models.UsageBucket{}.TableName() + "_hour"
	UsageDayDBTableName    = models.UsageBucket{}.TableName() + "_day"
	UsageMonthDBTableName  = models.UsageBucket{}.TableName() + "_month"
	TxnLogDBTableName      = models.TxnLog{}.TableName()
	RollupWatermarkDBTable = models.RollupWatermark{}.TableName()
)

// Slices of column names per table derived from struct tags.
var (
	AssocDBTableColNames   = models.Association{}.TagNames("sql")
	ClusterDBTableColNames = models.Cluster{}.TagNames("sql")
	QOSDBTableColNames     = models.QOS{}.TagNames("sql")
	WCKeyDBTableColNames   = models.WCKey{}.TagNames("sql")
	JobDBTableColNames     = models.Job{}.TagNames("sql")
	EventDBTableColNames   = models.Event{}.TagNames("sql")
	ResvDBTableColNames    = models.Reservation{}.TagNames("sql")
	SuspendDBTableColNames = models.SuspendInterval{}.TagNames("sql")
	UsageDBTableColNames   = models.UsageBucket{}.TagNames("sql")
	TxnLogDBTableColNames  = models.TxnLog{}.TagNames("sql")
)

// DatetimeLayout used in responses and the audit log.
var DatetimeLayout = fmt.Sprintf("%sT%s", time.DateOnly, time.TimeOnly)
