package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/driveclone/driveclone/internal/config"
	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/engine"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/store"
)

// session is an open state database with an engine on top of it.
type session struct {
	store  *store.Store
	engine *engine.Engine
	lock   *stateLock
}

// sessionOptions control how openSession prepares a session.
type sessionOptions struct {
	// lock takes the state lock; required by commands that run tasks.
	lock bool
	// requireCredentials fails when no credential can be loaded. Without it
	// the engine is built with none and remote lookups fail softly.
	requireCredentials bool
}

// openSession opens the state database and builds an engine from the
// resolved config.
func (cc *CLIContext) openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	s := &session{}

	if opts.lock {
		l, err := acquireStateLock(cc.Cfg.State.DBPath)
		if err != nil {
			return nil, err
		}

		s.lock = l
	}

	st, err := store.Open(cc.Cfg.State.DBPath, cc.Logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.store = st

	creds, err := loadCredentials(ctx, &cc.Cfg.Auth, cc.Logger)
	if err != nil {
		if opts.requireCredentials {
			s.Close()
			return nil, err
		}

		cc.Logger.Debug("continuing without credentials", slog.String("error", err.Error()))
	}

	ecfg, err := engineConfig(cc.Cfg, gdrive.NewClient(cc.Logger), st, creds, cc.Logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	e, err := engine.New(ecfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.engine = e

	return s, nil
}

// Close stops the engine, closes the database, and releases the lock.
func (s *session) Close() error {
	var errs []error

	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}

	if s.store != nil {
		errs = append(errs, s.store.Close())
	}

	errs = append(errs, s.lock.Release())

	return errors.Join(errs...)
}

// loadCredentials returns the service accounts in service_account_dir when
// use_service_accounts is set, else the personal token.
func loadCredentials(ctx context.Context, auth *config.AuthConfig, logger *slog.Logger) ([]*credential.Credential, error) {
	if auth.UseServiceAccounts {
		return credential.LoadServiceAccounts(ctx, auth.ServiceAccountDir, logger)
	}

	client := credential.OAuthClient{ID: auth.ClientID, Secret: auth.ClientSecret}

	c, err := credential.LoadPersonal(ctx, client, auth.TokenFile, logger)
	if err != nil {
		return nil, err
	}

	return []*credential.Credential{c}, nil
}

// engineConfig maps the [copy] section onto engine settings.
func engineConfig(
	cfg *config.Config, remote engine.Remote, st *store.Store, creds []*credential.Credential, logger *slog.Logger,
) (engine.Config, error) {
	policy, err := cfg.Copy.RetryPolicy()
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Remote:            remote,
		Store:             st,
		Credentials:       creds,
		Limit:             cfg.Copy.ParallelLimit,
		Scope:             pool.Scope(cfg.Copy.PoolScope),
		Policy:            policy,
		RequestsPerSecond: cfg.Copy.RequestsPerSecond,
		PageSize:          cfg.Copy.PageSize,
		ResumeFinished:    engine.ResumePolicy(cfg.Copy.ResumeFinished),
		FileErrors:        engine.FileErrorPolicy(cfg.Copy.FileErrorPolicy),
		SummarizeOnStart:  cfg.Copy.SummarizeOnStart,
		DefaultTarget:     cfg.Copy.DefaultTarget,
		Logger:            logger,
	}, nil
}
