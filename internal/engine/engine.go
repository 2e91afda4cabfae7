package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bitacora/internal/config"
	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
	"bitacora/internal/engine/ledger"
	"bitacora/internal/engine/lifecycle"
	"bitacora/internal/engine/review"
	"bitacora/internal/events"
	"bitacora/internal/repo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
	NewID  func() string

	// beforeSave runs between applying an operation and writing it.
	beforeSave func(ctx context.Context, entryID string)
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Log: log},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default("default")
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// Controller returns the lifecycle state machine configured for the project.
func (e Engine) Controller() lifecycle.Controller {
	cfg := e.config()
	return lifecycle.Controller{
		Permissions: cfg.PermissionTable(),
		Resolver:    review.Resolver{Now: e.now, NewID: e.newID},
		Ledger: ledger.Ledger{
			Verifier:          e.Auth,
			RequireCredential: cfg.Signing.RequireCredential,
			Now:               e.now,
			NewID:             e.newID,
		},
		Now: e.now,
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

// InitProject creates a project with its configuration.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, fmt.Errorf("%w: project id required", domain.ErrValidation)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{ID: projectID, Name: name, Status: "active", CreatedAt: e.timestamp()}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := config.Default(projectID)
	if e.Config != nil && e.Config.Project.ID == projectID {
		cfg = e.Config
	}
	cfg.Project.Name = name
	if err := e.Repo.UpsertProjectConfig(ctx, tx, projectID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		Type: "project.init", ProjectID: p.ID, EntityKind: events.KindProject, EntityID: p.ID, ActorID: actorID,
		Payload: events.Payload{"name": name},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project initialized", zap.String("project_id", p.ID))
	return p, nil
}

// CreateUserOptions describe a new user. Entity is free text resolved
// through the configured aliases.
type CreateUserOptions struct {
	ID          string `validate:"required,max=64"`
	FullName    string `validate:"required,max=200"`
	ProjectRole string `validate:"required"`
	AppRole     string
	Entity      string `validate:"required"`
	Password    string `validate:"omitempty,min=8"`
	ActorID     string
}

// CreateUser registers a user. Only admins may add users once the first
// user exists.
func (e Engine) CreateUser(ctx context.Context, opts CreateUserOptions) (domain.User, error) {
	if err := validate.Struct(opts); err != nil {
		return domain.User{}, validationError(err)
	}
	role, err := domain.ParseProjectRole(opts.ProjectRole)
	if err != nil {
		return domain.User{}, err
	}
	appRole, err := domain.ParseAppRole(opts.AppRole)
	if err != nil {
		return domain.User{}, err
	}
	entity, err := domain.ParseEntity(opts.Entity, e.config().EntityAliases())
	if err != nil {
		return domain.User{}, err
	}
	existing, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if len(existing) > 0 {
		actor, err := e.actor(ctx, opts.ActorID)
		if err != nil {
			return domain.User{}, err
		}
		if !e.Controller().Capabilities(actor).IsAdmin {
			return domain.User{}, auth.Forbidden("admin")
		}
	}
	var hash string
	if opts.Password != "" {
		if hash, err = auth.HashPassword(opts.Password); err != nil {
			return domain.User{}, err
		}
	}
	u := domain.User{
		ID:          opts.ID,
		FullName:    opts.FullName,
		ProjectRole: role,
		AppRole:     appRole,
		Entity:      entity,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u, hash); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = u.ID
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		Type: "user.created", ProjectID: e.config().Project.ID, EntityKind: events.KindUser, EntityID: u.ID, ActorID: actorID,
		Payload: events.Payload{"project_role": string(role), "app_role": string(appRole), "entity": string(entity)},
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// SetPassword replaces a user's signing credential. Users may change their
// own; admins may change anyone's.
func (e Engine) SetPassword(ctx context.Context, userID, password, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.ID != userID && !e.Controller().Capabilities(actor).IsAdmin {
		return auth.Forbidden("admin")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetPasswordHash(ctx, tx, userID, hash); err != nil {
		return err
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		Type: "user.password.set", ProjectID: e.config().Project.ID, EntityKind: events.KindUser, EntityID: userID, ActorID: actor.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for userID and returns the raw secret once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (domain.APIKey, string, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if actor.ID != userID && !e.Controller().Capabilities(actor).IsAdmin {
		return domain.APIKey{}, "", auth.Forbidden("admin")
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("user %s: %w", userID, err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "bk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		Type: "api_key.created", ProjectID: e.config().Project.ID, EntityKind: events.KindAPIKey, EntityID: key.ID, ActorID: actor.ID,
		Payload: events.Payload{"user_id": userID, "name": name},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// RevokeAPIKey deletes one of userID's keys.
func (e Engine) RevokeAPIKey(ctx context.Context, userID, keyID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.ID != userID && !e.Controller().Capabilities(actor).IsAdmin {
		return auth.Forbidden("admin")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, userID, keyID); err != nil {
		return fmt.Errorf("api key %s: %w", keyID, err)
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		Type: "api_key.revoked", ProjectID: e.config().Project.ID, EntityKind: events.KindAPIKey, EntityID: keyID, ActorID: actor.ID,
		Payload: events.Payload{"user_id": userID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Capabilities evaluates the permission flags of a user.
func (e Engine) Capabilities(ctx context.Context, userID string) (domain.User, auth.Capabilities, error) {
	u, err := e.actor(ctx, userID)
	if err != nil {
		return domain.User{}, auth.Capabilities{}, err
	}
	return u, e.Controller().Capabilities(u), nil
}

func (e Engine) actor(ctx context.Context, id string) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, auth.Forbidden("authenticated user")
	}
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, auth.Forbidden("known user")
	}
	return u, err
}
