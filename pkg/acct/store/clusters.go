package store

import (
	"context"
	"fmt"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

// RootAcct is the account name of the tree root of every cluster.
const RootAcct = "root"

// AddCluster registers a cluster and creates the root association of its
// tree with lft=1, rgt=2 together with an empty rollup watermark row.
func AddCluster(ctx context.Context, txn *Txn, name string, cpuCount int64) (*models.Cluster, error) {
	if txn.store.clusters.Known(name) {
		return nil, fmt.Errorf("%w: %s", ErrClusterExists, name)
	}

	res, err := txn.Exec(
		ctx,
		"INSERT INTO clusters (name,cpu_count) VALUES (?,?)",
		name, cpuCount,
	)
	if err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("%w: %s", ErrClusterExists, name)
		}

		return nil, err
	}

	clusterID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	rootRes, err := txn.Exec(
		ctx,
		`INSERT INTO assoc (cluster,acct,"user","partition",parent_acct,lft,rgt) VALUES (?,?,'','','',1,2)`,
		name, RootAcct,
	)
	if err != nil {
		return nil, err
	}

	rootID, err := rootRes.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := txn.Exec(
		ctx,
		"INSERT INTO rollup_watermarks (cluster) VALUES (?)",
		name,
	); err != nil {
		return nil, err
	}

	cluster := &models.Cluster{
		ID:       clusterID,
		Name:     name,
		CPUCount: cpuCount,
		RootAssoc: &models.Association{
			ID:      rootID,
			Cluster: name,
			Acct:    RootAcct,
			Lft:     1,
			Rgt:     2,
		},
	}

	txn.Log("add_cluster", name, fmt.Sprintf("cpu_count=%d", cpuCount), name)
	txn.AddUpdate(models.UpdateObject{
		Kind:    models.UpdateAdd,
		Entity:  models.EntityCluster,
		ID:      clusterID,
		Cluster: name,
		Payload: cluster,
	})
	txn.MarkClustersDirty()

	return cluster, nil
}

// RemoveCluster soft deletes a cluster and all of its associations. Raw
// job/event records are kept for historical reporting.
func RemoveCluster(ctx context.Context, txn *Txn, name string) error {
	if !txn.store.clusters.Known(name) {
		return fmt.Errorf("%w: %s", ErrClusterNotRegistered, name)
	}

	res, err := txn.Exec(ctx, "UPDATE clusters SET deleted = 1 WHERE name = ? AND deleted = 0", name)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoChange
	}

	if _, err := txn.Exec(ctx, "UPDATE assoc SET deleted = 1 WHERE cluster = ?", name); err != nil {
		return err
	}

	txn.Log("remove_cluster", name, "", name)
	txn.AddUpdate(models.UpdateObject{
		Kind:    models.UpdateRemove,
		Entity:  models.EntityCluster,
		Cluster: name,
	})
	txn.MarkClustersDirty()

	return nil
}
