package tree

import (
	"context"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// EffectiveLimits resolves the limits of an association with inheritance
// applied: every field left unset on the node takes the first set value
// found walking up the parent account chain. Fields unset along the whole
// chain stay at the unset sentinel.
func (e *Engine) EffectiveLimits(ctx context.Context, txn *store.Txn, cluster string, id int64) (models.ResourceLimits, error) {
	if err := e.checkCluster(cluster); err != nil {
		return models.ResourceLimits{}, err
	}

	node, err := nodeByID(ctx, txn, cluster, id)
	if err != nil {
		return models.ResourceLimits{}, err
	}

	limits := node.Limits()

	// A user association first inherits from its own account node
	parent := node.ParentAcct
	if node.User != "" {
		parent = node.Acct
	}

	for parent != "" {
		anc, err := nodeByTuple(ctx, txn, cluster, parent, "", "")
		if err != nil {
			return models.ResourceLimits{}, err
		}

		mergeLimits(&limits, anc.Limits())

		parent = anc.ParentAcct
	}

	return limits, nil
}

// mergeLimits fills unset fields of dst from src.
func mergeLimits(dst *models.ResourceLimits, src models.ResourceLimits) {
	fill := func(d *int64, s int64) {
		if *d == models.NoVal {
			*d = s
		}
	}

	fill(&dst.MaxJobs, src.MaxJobs)
	fill(&dst.MaxSubmitJobs, src.MaxSubmitJobs)
	fill(&dst.MaxCPUsPJ, src.MaxCPUsPJ)
	fill(&dst.MaxNodesPJ, src.MaxNodesPJ)
	fill(&dst.MaxWallPJ, src.MaxWallPJ)
	fill(&dst.MaxCPUMinsPJ, src.MaxCPUMinsPJ)
	fill(&dst.MaxCPURunMins, src.MaxCPURunMins)
	fill(&dst.GrpJobs, src.GrpJobs)
	fill(&dst.GrpSubmitJobs, src.GrpSubmitJobs)
	fill(&dst.GrpCPUs, src.GrpCPUs)
	fill(&dst.GrpNodes, src.GrpNodes)
	fill(&dst.GrpWall, src.GrpWall)
	fill(&dst.GrpCPUMins, src.GrpCPUMins)
}
