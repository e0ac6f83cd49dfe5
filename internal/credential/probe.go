package credential

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// AccessChecker reports whether a credential can read a folder. A denied
// answer is (false, nil); err is reserved for failures that say nothing
// about access (network trouble, server errors).
type AccessChecker interface {
	CanAccess(ctx context.Context, cred *Credential, folderID string) (bool, error)
}

// Probe asks whether cred can reach folderID. It does not touch any task or
// rotation state, so it can run alongside active replication.
func Probe(ctx context.Context, checker AccessChecker, cred *Credential, folderID string, logger *slog.Logger) (bool, error) {
	ok, err := checker.CanAccess(ctx, cred, folderID)
	if err != nil {
		return false, fmt.Errorf("credential: probing %s with %s: %w", folderID, cred.Name(), err)
	}

	logger.Debug("probe",
		slog.String("credential", cred.Name()),
		slog.String("folder_id", folderID),
		slog.Bool("accessible", ok),
	)

	return ok, nil
}

// ProbeResult is the outcome of probing one credential.
type ProbeResult struct {
	Credential *Credential
	Accessible bool
	Err        error
}

// ProbeAll probes every credential against folderID, at most limit at a
// time, and returns the results in input order.
func ProbeAll(
	ctx context.Context, checker AccessChecker, creds []*Credential, folderID string, limit int, logger *slog.Logger,
) []ProbeResult {
	if limit < 1 {
		limit = 1
	}

	results := make([]ProbeResult, len(creds))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, c := range creds {
		g.Go(func() error {
			ok, err := Probe(ctx, checker, c, folderID, logger)
			results[i] = ProbeResult{Credential: c, Accessible: ok, Err: err}

			return nil
		})
	}

	_ = g.Wait()

	return results
}
