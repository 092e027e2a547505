package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// ArchiveEvents dumps every closed event of a cluster that ended before
// the cutoff and purges the rows in the same transaction.
func (a *Archiver) ArchiveEvents(ctx context.Context, txn *store.Txn, cluster string, before int64) (string, int, error) {
	rows, err := txn.Query(
		ctx,
		`SELECT node_name, cpu_count, time_start, time_end, reason, maintenance FROM events
			WHERE cluster = ? AND time_end > 0 AND time_end < ? AND deleted = 0`,
		cluster, before,
	)
	if err != nil {
		return "", 0, err
	}

	var events []models.Event

	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.NodeName, &ev.CPUCount, &ev.TimeStart, &ev.TimeEnd, &ev.Reason, &ev.Maintenance); err != nil {
			rows.Close()

			return "", 0, err
		}

		events = append(events, ev)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	if len(events) == 0 {
		return "", 0, store.ErrNoChange
	}

	path := filepath.Join(a.dir, fmt.Sprintf("%s_events_%d.dat", cluster, before))

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}

	bw := bufio.NewWriter(f)
	w := &writer{w: bw}

	writeHeader(w, cluster, RecordEvents, uint32(len(events)))

	for _, ev := range events {
		w.str(ev.NodeName)
		w.i64(ev.CPUCount)
		w.i64(ev.TimeStart)
		w.i64(ev.TimeEnd)
		w.str(ev.Reason)
		w.i64(ev.Maintenance)
	}

	if w.err == nil {
		w.err = bw.Flush()
	}

	if w.err != nil {
		f.Close()
		os.Remove(path)

		return "", 0, w.err
	}

	if err := f.Close(); err != nil {
		return "", 0, err
	}

	if _, err := txn.Exec(
		ctx,
		"DELETE FROM events WHERE cluster = ? AND time_end > 0 AND time_end < ? AND deleted = 0",
		cluster, before,
	); err != nil {
		return "", 0, err
	}

	txn.Log("archive_events", cluster, fmt.Sprintf("count=%d file=%s", len(events), path), cluster)

	return path, len(events), nil
}

// RestoreEvents loads an event archive back into the store.
func (a *Archiver) RestoreEvents(ctx context.Context, txn *store.Txn, path string) (int, error) {
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

	if recType != RecordEvents {
		return 0, fmt.Errorf("%w: expected an event archive, got record type %d", ErrBadMagic, recType)
	}

	for i := uint32(0); i < count; i++ {
		nodeName := r.str()
		cpus := r.i64()
		ts := r.i64()
		te := r.i64()
		reason := r.str()
		maint := r.i64()

		if r.err != nil {
			return int(i), fmt.Errorf("truncated archive %s: %w", path, r.err)
		}

		if _, err := txn.Exec(
			ctx,
			"INSERT INTO events (cluster,node_name,cpu_count,time_start,time_end,reason,maintenance) VALUES (?,?,?,?,?,?,?)",
			cluster, nodeName, cpus, ts, te, reason, maint,
		); err != nil {
			return int(i), err
		}
	}

	txn.Log("restore_events", cluster, fmt.Sprintf("count=%d file=%s", count, path), cluster)

	return int(count), nil
}
