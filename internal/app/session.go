package app

import (
	"context"
	"fmt"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/config"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dap"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dataapi"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/guard"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/replicator"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/secrets"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/worker"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"
)

// Session holds the connections of one invocation. Runner is nil for
// Discover sessions
type Session struct {
	Tables TableSource
	Runner worker.Runner

	closers []func()
}

// Close releases every connection of the session
func (s *Session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Mode selects what a session connects to
type Mode int

const (
	// Discover connects to the DAP API only
	Discover Mode = iota
	// Initialize adds the destination database
	Initialize
	// Replicate adds the RDS Data API that recovers schema-locked syncs
	Replicate
)

func (m Mode) String() string {
	switch m {
	case Initialize:
		return "initialize"
	case Replicate:
		return "replicate"
	}
	return "discover"
}

// Opener creates sessions
type Opener interface {
	Open(ctx context.Context, mode Mode) (*Session, error)
}

// awsOpener resolves credentials from SSM and Secrets Manager and connects
// to the DAP API, the destination database and the RDS Data API
type awsOpener struct {
	cfg      *config.Config
	awsCfg   aws.Config
	provider *secrets.Provider
	observer syncer.Observer
	logger   *zap.Logger
}

// check reports the first setting mode needs that is missing
func (o *awsOpener) check(mode Mode) error {
	if mode == Discover {
		return nil
	}
	if err := o.cfg.RequireDatabase(); err != nil {
		return err
	}
	if mode == Replicate {
		return o.cfg.RequireAdmin()
	}
	return nil
}

func (o *awsOpener) Open(ctx context.Context, mode Mode) (*Session, error) {
	if err := o.check(mode); err != nil {
		return nil, err
	}

	creds, err := o.provider.Credentials(ctx, o.cfg.ParameterPath())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DAP credentials: %w", err)
	}
	o.logger.Debug("Resolved DAP credentials", zap.Stringer("credentials", creds))

	client := dap.NewClient(o.cfg.APIBaseURL, creds.ClientID, creds.ClientSecret, o.logger)
	session := &Session{Tables: client}
	if mode == Discover {
		return session, nil
	}

	params, err := o.provider.DatabaseParameters(ctx, o.cfg.Secrets.DBUserSecretName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database parameters: %w", err)
	}
	o.logger.Info("Connecting to database",
		zap.Stringer("database", params),
		zap.Stringer("mode", mode),
	)
	pool, err := replicator.Connect(ctx, params.ConnString())
	if err != nil {
		return nil, err
	}
	session.closers = append(session.closers, pool.Close)

	engine := replicator.NewEngine(pool, client, o.cfg.Namespace, o.logger)
	opts := syncer.Options{StrictRestore: o.cfg.Sync.StrictRestore}
	if mode == Initialize {
		session.Runner = syncer.New(engine, nil, o.observer, opts, o.logger)
		return session, nil
	}

	params.ClusterARN = o.cfg.Admin.ClusterARN
	params.AdminSecretARN = o.cfg.Admin.SecretARN
	params.AdminDatabase = o.cfg.Admin.Database
	exec := dataapi.NewFromConfig(o.awsCfg, params.ClusterARN, params.AdminSecretARN, params.AdminDatabase)
	g := guard.New(exec, o.cfg.Namespace, o.logger)

	session.Runner = syncer.New(engine, g, o.observer, opts, o.logger)
	return session, nil
}
