// Package archive moves expired raw records out of the live store into a
// versioned binary stream on disk and back. The purge of archived rows
// runs in the same transaction as the dump so a failed write never loses
// data.
package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// Stream header constants. Version bumps whenever the record framing
// changes; Load rejects files outside [versionMin, versionMax].
const (
	magic      uint32 = 0x53414442 // "SADB"
	version    uint16 = 1
	versionMin uint16 = 1
	versionMax uint16 = 1
)

// RecordType tags the payload of one archive file.
type RecordType uint8

// Archive record types.
const (
	RecordJobs RecordType = iota + 1
	RecordEvents
)

// Archive errors.
var (
	ErrBadMagic   = errors.New("not an archive file")
	ErrBadVersion = errors.New("unsupported archive version")
)

// Archiver dumps and restores raw records.
type Archiver struct {
	logger *slog.Logger
	dir    string
}

// New returns an archiver writing files into dir.
func New(dir string, logger *slog.Logger) *Archiver {
	return &Archiver{logger: logger, dir: dir}
}

// ArchiveJobs dumps every finished job of a cluster that ended before the
// cutoff, together with its suspend intervals, then purges the rows in the
// same transaction. It returns the archive path and the job count.
func (a *Archiver) ArchiveJobs(ctx context.Context, txn *store.Txn, cluster string, before int64) (string, int, error) {
	rows, err := txn.Query(
		ctx,
		`SELECT id, job_id, id_assoc, id_wckey, id_resv, name, "user", "partition",
			alloc_cpus, req_cpus, nodelist, node_index_low, node_index_high,
			time_eligible, time_start, time_end, state
			FROM jobs WHERE cluster = ? AND time_end > 0 AND time_end < ? AND deleted = 0`,
		cluster, before,
	)
	if err != nil {
		return "", 0, err
	}

	var jobs []models.Job

	for rows.Next() {
		var j models.Job
		if err := rows.Scan(
			&j.ID, &j.JobID, &j.AssocID, &j.WCKeyID, &j.ResvID, &j.Name, &j.User, &j.Partition,
			&j.AllocCPUs, &j.ReqCPUs, &j.NodeList, &j.NodeIndexLow, &j.NodeIndexHigh,
			&j.TimeEligible, &j.TimeStart, &j.TimeEnd, &j.State,
		); err != nil {
			rows.Close()

			return "", 0, err
		}

		j.Cluster = cluster
		jobs = append(jobs, j)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	if len(jobs) == 0 {
		return "", 0, store.ErrNoChange
	}

	suspends := make(map[int64][]models.SuspendInterval, len(jobs))

	for _, j := range jobs {
		ivals, err := jobSuspends(ctx, txn, j.ID)
		if err != nil {
			return "", 0, err
		}

		suspends[j.ID] = ivals
	}

	path := filepath.Join(a.dir, fmt.Sprintf("%s_jobs_%d.dat", cluster, before))

	if err := a.writeJobsFile(path, cluster, jobs, suspends); err != nil {
		return "", 0, err
	}

	// Purge in the same transaction as the dump
	for _, j := range jobs {
		if _, err := txn.Exec(ctx, "DELETE FROM suspends WHERE job_db_id = ?", j.ID); err != nil {
			return "", 0, err
		}
	}

	if _, err := txn.Exec(
		ctx,
		"DELETE FROM jobs WHERE cluster = ? AND time_end > 0 AND time_end < ? AND deleted = 0",
		cluster, before,
	); err != nil {
		return "", 0, err
	}

	txn.Log("archive_jobs", cluster, fmt.Sprintf("count=%d file=%s", len(jobs), path), cluster)

	return path, len(jobs), nil
}

// RestoreJobs loads a job archive back into the store. Restored jobs get
// fresh row ids; their suspend intervals are re-linked accordingly.
func (a *Archiver) RestoreJobs(ctx context.Context, txn *store.Txn, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := &reader{r: bufio.NewReader(f)}

	cluster, recType, count, err := readHeader(r)
	if err != nil {
		return 0, err
	}

	if recType != RecordJobs {
		return 0, fmt.Errorf("%w: expected a job archive, got record type %d", ErrBadMagic, recType)
	}

	for i := uint32(0); i < count; i++ {
		j, ivals := readJob(r)
		if r.err != nil {
			return int(i), fmt.Errorf("truncated archive %s: %w", path, r.err)
		}

		res, err := txn.Exec(
			ctx,
			`INSERT INTO jobs (job_id,cluster,id_assoc,id_wckey,id_resv,name,"user","partition",
				alloc_cpus,req_cpus,nodelist,node_index_low,node_index_high,
				time_eligible,time_start,time_end,state)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.JobID, cluster, j.AssocID, j.WCKeyID, j.ResvID, j.Name, j.User, j.Partition,
			j.AllocCPUs, j.ReqCPUs, j.NodeList, j.NodeIndexLow, j.NodeIndexHigh,
			j.TimeEligible, j.TimeStart, j.TimeEnd, j.State,
		)
		if err != nil {
			return int(i), err
		}

		dbID, err := res.LastInsertId()
		if err != nil {
			return int(i), err
		}

		for _, ival := range ivals {
			if _, err := txn.Exec(
				ctx,
				"INSERT INTO suspends (job_db_id,time_start,time_end) VALUES (?,?,?)",
				dbID, ival.TimeStart, ival.TimeEnd,
			); err != nil {
				return int(i), err
			}
		}
	}

	txn.Log("restore_jobs", cluster, fmt.Sprintf("count=%d file=%s", count, path), cluster)

	return int(count), nil
}

func (a *Archiver) writeJobsFile(path, cluster string, jobs []models.Job, suspends map[int64][]models.SuspendInterval) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	w := &writer{w: bw}

	writeHeader(w, cluster, RecordJobs, uint32(len(jobs)))

	for _, j := range jobs {
		writeJob(w, j, suspends[j.ID])
	}

	if w.err != nil {
		f.Close()
		os.Remove(path)

		return w.err
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)

		return err
	}

	return f.Close()
}

func jobSuspends(ctx context.Context, txn *store.Txn, jobDBID int64) ([]models.SuspendInterval, error) {
	rows, err := txn.Query(
		ctx,
		"SELECT time_start, time_end FROM suspends WHERE job_db_id = ?",
		jobDBID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ivals []models.SuspendInterval

	for rows.Next() {
		var ival models.SuspendInterval
		if err := rows.Scan(&ival.TimeStart, &ival.TimeEnd); err != nil {
			return nil, err
		}

		ivals = append(ivals, ival)
	}

	return ivals, rows.Err()
}

// writer accumulates the first encode error instead of checking every
// write.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) u16(v uint16) { w.bin(v) }
func (w *writer) u32(v uint32) { w.bin(v) }
func (w *writer) i64(v int64)  { w.bin(v) }
func (w *writer) u8(v uint8)   { w.bin(v) }

func (w *writer) bin(v any) {
	if w.err != nil {
		return
	}

	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))

	if w.err != nil {
		return
	}

	_, w.err = w.w.Write([]byte(s))
}

type reader struct {
	r   io.Reader
	err error
}

func (r *reader) u16() uint16 { var v uint16; r.bin(&v); return v }
func (r *reader) u32() uint32 { var v uint32; r.bin(&v); return v }
func (r *reader) i64() int64  { var v int64; r.bin(&v); return v }
func (r *reader) u8() uint8   { var v uint8; r.bin(&v); return v }

func (r *reader) bin(v any) {
	if r.err != nil {
		return
	}

	r.err = binary.Read(r.r, binary.LittleEndian, v)
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = err

		return ""
	}

	return string(buf)
}

func writeHeader(w *writer, cluster string, recType RecordType, count uint32) {
	w.u32(magic)
	w.u16(version)
	w.i64(time.Now().Unix())
	w.u8(uint8(recType))
	w.str(cluster)
	w.u32(count)
}

func readHeader(r *reader) (string, RecordType, uint32, error) {
	if m := r.u32(); r.err != nil || m != magic {
		if r.err != nil {
			return "", 0, 0, r.err
		}

		return "", 0, 0, ErrBadMagic
	}

	if v := r.u16(); v < versionMin || v > versionMax {
		return "", 0, 0, fmt.Errorf("%w: version %d not in [%d, %d]", ErrBadVersion, v, versionMin, versionMax)
	}

	r.i64() // creation time, informational

	recType := RecordType(r.u8())
	cluster := r.str()
	count := r.u32()

	return cluster, recType, count, r.err
}

func writeJob(w *writer, j models.Job, ivals []models.SuspendInterval) {
	w.i64(j.JobID)
	w.i64(j.AssocID)
	w.i64(j.WCKeyID)
	w.i64(j.ResvID)
	w.str(j.Name)
	w.str(j.User)
	w.str(j.Partition)
	w.i64(j.AllocCPUs)
	w.i64(j.ReqCPUs)
	w.str(j.NodeList)
	w.i64(j.NodeIndexLow)
	w.i64(j.NodeIndexHigh)
	w.i64(j.TimeEligible)
	w.i64(j.TimeStart)
	w.i64(j.TimeEnd)
	w.str(j.State)

	w.u32(uint32(len(ivals)))

	for _, ival := range ivals {
		w.i64(ival.TimeStart)
		w.i64(ival.TimeEnd)
	}
}

func readJob(r *reader) (models.Job, []models.SuspendInterval) {
	var j models.Job

	j.JobID = r.i64()
	j.AssocID = r.i64()
	j.WCKeyID = r.i64()
	j.ResvID = r.i64()
	j.Name = r.str()
	j.User = r.str()
	j.Partition = r.str()
	j.AllocCPUs = r.i64()
	j.ReqCPUs = r.i64()
	j.NodeList = r.str()
	j.NodeIndexLow = r.i64()
	j.NodeIndexHigh = r.i64()
	j.TimeEligible = r.i64()
	j.TimeStart = r.i64()
	j.TimeEnd = r.i64()
	j.State = r.str()

	n := r.u32()
	if r.err != nil {
		return j, nil
	}

	ivals := make([]models.SuspendInterval, 0, n)

	for i := uint32(0); i < n; i++ {
		ivals = append(ivals, models.SuspendInterval{
			TimeStart: r.i64(),
			TimeEnd:   r.i64(),
		})
	}

	return j, ivals
}
