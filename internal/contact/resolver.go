// Package contact finds or creates the external accounting contact for a
// local user, working through a fallback chain that tolerates the external
// system's duplicate-email and archived-record quirks.
package contact

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/dwenderf/membership-system/internal/clock"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	userdomain "github.com/dwenderf/membership-system/internal/user/domain"
	"github.com/dwenderf/membership-system/internal/xero"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const archivedStatus = "ARCHIVED"

// API is the slice of the accounting client the resolver needs.
type API interface {
	FindContactByName(ctx context.Context, creds tenantdomain.Credentials, name string) (*xero.Contact, error)
	FindContactsByEmail(ctx context.Context, creds tenantdomain.Credentials, email string) ([]xero.Contact, error)
	CreateContact(ctx context.Context, creds tenantdomain.Credentials, contact xero.Contact) (*xero.Contact, error)
	UpdateContactName(ctx context.Context, creds tenantdomain.Credentials, contactID, name string) error
}

// Result is how resolution outcomes cross this boundary. Failures are data,
// not errors: a failed resolution means "sync this invoice later", never a
// batch abort.
type Result struct {
	OK          bool
	ContactID   string
	RateLimited bool
	Err         error
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	API   API
	Repo  stagingdomain.Repository
	Users userdomain.Repository
}

type Resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	api   API
	repo  stagingdomain.Repository
	users userdomain.Repository
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		db:    p.DB,
		log:   p.Log.Named("contact.resolver"),
		genID: p.GenID,
		clock: p.Clock,
		api:   p.API,
		repo:  p.Repo,
		users: p.Users,
	}
}

// Resolve maps a local user to an external contact id.
//
// Priority order: a synced local link is trusted without remote validation;
// then an exact-name search; then an email search with a preference chain;
// finally contact creation with one retry on a name collision.
func (r *Resolver) Resolve(ctx context.Context, creds tenantdomain.Credentials, tenantID, userID snowflake.ID) Result {
	link, err := r.repo.FindContactLink(ctx, r.db, userID, tenantID)
	if err != nil {
		return Result{Err: fmt.Errorf("lookup contact link: %w", err)}
	}
	if link != nil && link.Status == stagingdomain.StatusSynced &&
		link.ExternalContactID != nil && !stagingdomain.IsPlaceholderExternalID(*link.ExternalContactID) {
		return Result{OK: true, ContactID: *link.ExternalContactID}
	}

	user, err := r.users.FindByID(ctx, r.db, userID)
	if err != nil {
		return Result{Err: fmt.Errorf("load user: %w", err)}
	}
	if user == nil {
		return Result{Err: fmt.Errorf("%w: %s", userdomain.ErrNotFound, userID)}
	}
	name := ContactName(user)

	res, archivedRenamed := r.byExactName(ctx, creds, user, name)
	if res != nil {
		if res.OK {
			r.saveLink(ctx, tenantID, userID, res.ContactID)
		}
		return *res
	}

	// An archived record held the exact name. It has been renamed out of
	// the way; skip the email fallback and create a fresh contact.
	if !archivedRenamed {
		if res := r.byEmail(ctx, creds, user, name); res != nil {
			if res.OK {
				r.saveLink(ctx, tenantID, userID, res.ContactID)
			}
			return *res
		}
	}

	created := r.create(ctx, creds, user, name)
	if created.OK {
		r.saveLink(ctx, tenantID, userID, created.ContactID)
	}
	return created
}

// ContactName is the deterministic external name for a user. The member
// number keeps same-named people distinct in the external system.
func ContactName(user *userdomain.User) string {
	base := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if user.MemberNumber != "" {
		return base + " - " + user.MemberNumber
	}
	return base
}

// byExactName returns a terminal result, or nil to fall through to the
// next step of the chain. archivedRenamed reports that the name was held
// by an archived contact which has been renamed aside.
func (r *Resolver) byExactName(ctx context.Context, creds tenantdomain.Credentials, user *userdomain.User, name string) (result *Result, archivedRenamed bool) {
	found, err := r.api.FindContactByName(ctx, creds, name)
	if err != nil {
		if xero.IsRateLimited(err) {
			return &Result{RateLimited: true, Err: err}, false
		}
		return &Result{Err: fmt.Errorf("contact search by name: %w", err)}, false
	}
	if found == nil {
		return nil, false
	}
	if found.ContactStatus == archivedStatus {
		// Rename the archived record rather than resurrecting it.
		renamed := fmt.Sprintf("%s - archived %d", name, r.clock.Now().Unix())
		if err := r.api.UpdateContactName(ctx, creds, found.ContactID, renamed); err != nil {
			if xero.IsRateLimited(err) {
				return &Result{RateLimited: true, Err: err}, false
			}
			return &Result{Err: fmt.Errorf("rename archived contact: %w", err)}, false
		}
		r.log.Warn("archived contact renamed to free name",
			zap.String("contact_id", found.ContactID),
			zap.String("name", name),
		)
		return nil, true
	}
	return &Result{OK: true, ContactID: found.ContactID}, false
}

func (r *Resolver) byEmail(ctx context.Context, creds tenantdomain.Credentials, user *userdomain.User, name string) *Result {
	if user.Email == "" {
		return nil
	}
	matches, err := r.api.FindContactsByEmail(ctx, creds, user.Email)
	if err != nil {
		if xero.IsRateLimited(err) {
			return &Result{RateLimited: true, Err: err}
		}
		return &Result{Err: fmt.Errorf("contact search by email: %w", err)}
	}
	if len(matches) == 0 {
		return nil
	}

	for _, m := range matches {
		if m.Name == name {
			return &Result{OK: true, ContactID: m.ContactID}
		}
	}
	partial := strings.TrimSpace(user.FirstName + " " + user.LastName)
	for _, m := range matches {
		if strings.HasPrefix(m.Name, partial) {
			r.log.Warn("contact matched by partial name, not exact",
				zap.String("email", user.Email),
				zap.String("matched", m.Name),
				zap.String("wanted", name),
			)
			return &Result{OK: true, ContactID: m.ContactID}
		}
	}
	for _, m := range matches {
		if m.ContactStatus != archivedStatus {
			r.log.Warn("contact matched by email only",
				zap.String("email", user.Email),
				zap.String("matched", m.Name),
				zap.String("wanted", name),
			)
			return &Result{OK: true, ContactID: m.ContactID}
		}
	}
	// Last resort by deliberate business decision: take the first match
	// even though it may be the wrong record.
	r.log.Warn("contact matched by first email result, all candidates archived",
		zap.String("email", user.Email),
		zap.String("matched", matches[0].Name),
		zap.String("wanted", name),
	)
	return &Result{OK: true, ContactID: matches[0].ContactID}
}

func (r *Resolver) create(ctx context.Context, creds tenantdomain.Credentials, user *userdomain.User, name string) Result {
	contact := xero.Contact{Name: name, EmailAddress: user.Email}
	created, err := r.api.CreateContact(ctx, creds, contact)
	if err == nil {
		return Result{OK: true, ContactID: created.ContactID}
	}
	if xero.IsRateLimited(err) {
		return Result{RateLimited: true, Err: err}
	}
	if !isNameCollision(err) {
		return Result{Err: fmt.Errorf("create contact: %w", err)}
	}

	contact.Name = name + " - 2"
	r.log.Warn("contact name collision, retrying with disambiguator",
		zap.String("name", name),
		zap.String("retry_name", contact.Name),
	)
	created, err = r.api.CreateContact(ctx, creds, contact)
	if err != nil {
		if xero.IsRateLimited(err) {
			return Result{RateLimited: true, Err: err}
		}
		return Result{Err: fmt.Errorf("create contact after collision: %w", err)}
	}
	return Result{OK: true, ContactID: created.ContactID}
}

func isNameCollision(err error) bool {
	apiErr, ok := err.(*xero.APIError)
	if !ok {
		return false
	}
	for _, msg := range apiErr.Validation {
		if strings.Contains(strings.ToLower(msg), "name") {
			return true
		}
	}
	return false
}

func (r *Resolver) saveLink(ctx context.Context, tenantID, userID snowflake.ID, contactID string) {
	now := r.clock.Now()
	link := &stagingdomain.ContactLink{
		ID:                r.genID.Generate(),
		UserID:            userID,
		TenantID:          tenantID,
		ExternalContactID: &contactID,
		Status:            stagingdomain.StatusSynced,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.repo.SaveContactLink(ctx, r.db, link); err != nil {
		// The link is a cache; resolution still succeeded.
		r.log.Warn("failed to save contact link",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
