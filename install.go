package wheelhouse

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pipeline"
	"github.com/wheelhouse-dev/wheelhouse/resolver"
)

// An InstallPlan is the materialized half of an installation: every graph
// node turned into a cached wheel, ready for the external linker.
type InstallPlan struct {
	Wheels []pipeline.LocalWheel
}

// Materialize walks the resolution graph and drives each node through the
// distribution pipeline. Nodes run concurrently with no install-level
// limit; only the pipeline's download and build semaphores bound the work.
// Virtual extra nodes share their base node's wheel and are skipped.
func Materialize(ctx context.Context, g *resolver.Graph, p *pipeline.Pipeline, policy distribution.HashPolicy, logger *logrus.Logger) (*InstallPlan, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	type slot struct {
		wheel pipeline.LocalWheel
		ok    bool
	}
	slots := make([]slot, len(g.Nodes))

	eg, ctx := errgroup.WithContext(ctx)
	for i, node := range g.Nodes {
		if node.Extra != "" {
			continue
		}
		i, node := i, node

		eg.Go(func() error {
			nodePolicy := policy
			if policy.IsValidate() && len(node.Hashes) > 0 {
				nodePolicy = distribution.HashValidate(node.Hashes)
			}

			lw, err := p.Wheel(ctx, node.Dist, nodePolicy)
			if err != nil {
				return errors.Wrapf(err, "preparing %s %s", node.Name, node.Version)
			}
			logger.WithFields(logrus.Fields{
				"package": node.Name,
				"version": node.Version.String(),
			}).Debug("wheel ready")
			slots[i] = slot{wheel: lw, ok: true}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	plan := &InstallPlan{}
	for _, s := range slots {
		if s.ok {
			plan.Wheels = append(plan.Wheels, s.wheel)
		}
	}
	sort.Slice(plan.Wheels, func(i, j int) bool {
		return plan.Wheels[i].Filename.Name < plan.Wheels[j].Filename.Name
	})
	return plan, nil
}
