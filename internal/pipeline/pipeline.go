package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("entity store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("acting user id is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError attaches a dotted operation code to a pipeline failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-checkable operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider mints new entity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Config describes the dependencies of the mutation pipeline.
type Config struct {
	Store      *store.Store
	Remote     *remote.Client // nil selects local-mode operation
	Dispatcher *store.ChangeDispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	UserID     string
}

// Pipeline wraps every state-changing operation in a read-modify-write
// transaction against the entity store. With a remote client configured,
// operations apply optimistically, call the remote API, merge the
// authoritative echo on success, and roll back exactly the records the
// optimistic step touched on failure.
type Pipeline struct {
	store      *store.Store
	remote     *remote.Client
	dispatcher *store.ChangeDispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	userID     string
}

// New validates configuration and constructs the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, newServiceError("pipeline.new", "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError("pipeline.new", "missing_id_provider", errMissingIDProvider)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, newServiceError("pipeline.new", "missing_user_id", errMissingUserID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pipeline{
		store:      cfg.Store,
		remote:     cfg.Remote,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		userID:     cfg.UserID,
	}, nil
}

// Networked reports whether a remote endpoint is configured.
func (p *Pipeline) Networked() bool {
	return p.remote != nil
}

// UserID returns the acting user identity the pipeline mutates as.
func (p *Pipeline) UserID() string {
	return p.userID
}

func (p *Pipeline) now() int64 {
	return p.clock().UTC().Unix()
}

func (p *Pipeline) newID(operation string) (string, error) {
	id, err := p.idProvider.NewID()
	if err != nil {
		return "", newServiceError(operation, "id_generation_failed", err)
	}
	return id, nil
}

func (p *Pipeline) publish(scenarioID, kind string, entityIDs ...string) {
	if p.dispatcher == nil {
		return
	}
	p.dispatcher.Publish(store.ChangeEvent{
		ScenarioID: scenarioID,
		Kind:       kind,
		EntityIDs:  entityIDs,
		Timestamp:  p.clock().UTC(),
	})
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("pipeline error", attrs...)
}
