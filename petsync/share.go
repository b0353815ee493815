// ABOUTME: Sharing Manager: capability tokens granting access to one pet aggregate.
// ABOUTME: Owns the Unshared -> SharePending -> Shared lifecycle and participants.
package petsync

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ShareState tracks where a pet sits in the sharing lifecycle.
type ShareState string

const (
	ShareStateUnshared ShareState = ""
	ShareStatePending  ShareState = "pending"
	ShareStateShared   ShareState = "shared"
)

// Permission is a participant's access level on a shared aggregate.
type Permission string

const (
	PermissionReadOnly  Permission = "readOnly"
	PermissionReadWrite Permission = "readWrite"
)

// Participant is one identity granted access through a share token.
type Participant struct {
	Identity   string     `json:"identity"` // stable external identity string
	Contact    string     `json:"contact"`  // contact identifier used for lookups
	Name       string     `json:"name,omitempty"`
	Permission Permission `json:"permission"`
	AcceptedAt time.Time  `json:"acceptedAt"`
}

// ShareToken is the persisted capability object scoped to one pet.
type ShareToken struct {
	TokenID      string        `json:"id"`
	PetID        string        `json:"petId"`
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	Permission   Permission    `json:"permission"` // default for new participants
	Participants []Participant `json:"participants,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	RemoteRecord string        `json:"remoteRecordID,omitempty"`
}

func (t *ShareToken) EntityID() string      { return t.TokenID }
func (t *ShareToken) Kind() RecordKind      { return KindShareToken }
func (t *ShareToken) ModTime() time.Time    { return t.UpdatedAt }
func (t *ShareToken) RemoteID() string      { return t.RemoteRecord }
func (t *ShareToken) SetRemoteID(id string) { t.RemoteRecord = id }

// tokenRecordID derives the deterministic remote key for a pet's share
// token. One token per aggregate, so the pet id is the record name.
func tokenRecordID(petID string) RecordID {
	return RecordID{Zone: ShareZone, Name: petID}
}

// SharingConfig controls invite URL construction and claim signing.
type SharingConfig struct {
	InviteBaseURL string // e.g. "https://paw.example.com"
	SigningKey    []byte // HMAC key for invite URL claims
}

// SharingManager manages the lifecycle of turning a locally owned pet
// into a shared aggregate. Pure data operations only: no UI handle is
// ever required here.
type SharingManager struct {
	store  LocalStore
	client *Client
	codec  *Codec
	cfg    SharingConfig
	log    *zap.Logger
}

// NewSharingManager wires the sharing manager to its collaborators.
func NewSharingManager(store LocalStore, client *Client, codec *Codec, cfg SharingConfig, log *zap.Logger) *SharingManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SharingManager{store: store, client: client, codec: codec, cfg: cfg, log: log}
}

// inviteClaims is the signed payload embedded in an invite URL.
type inviteClaims struct {
	TokenID string `json:"tid"`
	PetID   string `json:"pet"`
	jwt.RegisteredClaims
}

func (m *SharingManager) signClaim(tokenID, petID string) (string, error) {
	claims := inviteClaims{
		TokenID: tokenID,
		PetID:   petID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
}

func (m *SharingManager) parseClaim(claim string) (*inviteClaims, error) {
	var claims inviteClaims
	_, err := jwt.ParseWithClaims(claim, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid invite claim: %v", ErrValidation, err)
	}
	return &claims, nil
}

func (m *SharingManager) inviteURL(claim string) string {
	return m.cfg.InviteBaseURL + "/invite?token=" + url.QueryEscape(claim)
}

// parseInviteURL extracts the signed claim string from an invite URL.
func parseInviteURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed invite url: %v", ErrValidation, err)
	}
	claim := u.Query().Get("token")
	if claim == "" {
		return "", fmt.Errorf("%w: invite url missing token", ErrValidation)
	}
	return claim, nil
}

// CreateShare turns an owned pet into a shared aggregate: it builds a
// capability token scoped to the pet's root record and persists root
// and token as a single all-or-nothing unit. Returns the token, whose
// URL is the invitation to hand out. Sharing an already-shared pet
// returns the existing token.
func (m *SharingManager) CreateShare(ctx context.Context, petID string) (*ShareToken, error) {
	e, err := m.store.Get(ctx, KindPet, petID)
	if err != nil {
		return nil, err
	}
	pet, ok := e.(*Pet)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a pet", ErrValidation, petID)
	}

	if pet.ShareState == ShareStateShared {
		tok, err := m.fetchToken(ctx, petID)
		if err == nil {
			return tok, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		// Token gone remotely; rebuild it below.
	}

	tokenID := ulid.Make().String()
	claim, err := m.signClaim(tokenID, petID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	token := &ShareToken{
		TokenID:      tokenID,
		PetID:        petID,
		Title:        pet.Name,
		URL:          m.inviteURL(claim),
		Permission:   PermissionReadWrite,
		CreatedAt:    now,
		UpdatedAt:    now,
		RemoteRecord: tokenRecordID(petID).String(),
	}

	// Peers apply strictly newer roots only; the flag change must
	// advance the clock before the root is encoded below.
	pet.ShareState = ShareStatePending
	pet.UpdatedAt = Touch(pet.UpdatedAt)
	if err := m.store.Put(ctx, pet); err != nil {
		return nil, err
	}

	pet.IsShared = true
	rootRec, err := m.codec.Encode(pet)
	if err != nil {
		pet.IsShared = false
		return nil, m.revertPending(ctx, pet, err)
	}
	tokenRec, err := m.codec.Encode(token)
	if err != nil {
		pet.IsShared = false
		return nil, m.revertPending(ctx, pet, err)
	}

	if err := m.client.SaveBatch(ctx, []WireRecord{rootRec, tokenRec}); err != nil {
		pet.IsShared = false
		return nil, m.revertPending(ctx, pet, err)
	}

	pet.ShareState = ShareStateShared
	if pet.RemoteRecord == "" {
		pet.RemoteRecord = rootRec.ID.String()
	}
	if err := m.store.Put(ctx, pet); err != nil {
		return nil, err
	}

	m.log.Info("share created", zap.String("pet", petID), zap.String("token", tokenID))
	return token, nil
}

// revertPending rolls a failed CreateShare back to Unshared so the
// aggregate never sits in an ambiguous state.
func (m *SharingManager) revertPending(ctx context.Context, pet *Pet, cause error) error {
	pet.ShareState = ShareStateUnshared
	if err := m.store.Put(ctx, pet); err != nil {
		m.log.Error("failed to revert share state", zap.String("pet", pet.ID), zap.Error(err))
	}
	return &SyncError{Op: "share", Err: cause, Retries: 1}
}

// AcceptInvitation resolves token metadata from an invite URL and
// registers callerIdentity as a consumer. Accepting an already-accepted
// invitation for the same identity is a no-op success.
func (m *SharingManager) AcceptInvitation(ctx context.Context, inviteURL string, caller Participant) error {
	claim, err := parseInviteURL(inviteURL)
	if err != nil {
		return err
	}
	claims, err := m.parseClaim(claim)
	if err != nil {
		return err
	}
	if caller.Identity == "" {
		return fmt.Errorf("%w: caller identity required", ErrValidation)
	}
	if caller.Permission == "" {
		caller.Permission = PermissionReadWrite
	}
	if caller.AcceptedAt.IsZero() {
		caller.AcceptedAt = time.Now().UTC()
	}

	if err := m.client.AcceptShare(ctx, claim, caller); err != nil {
		return err
	}
	m.log.Info("invitation accepted",
		zap.String("pet", claims.PetID),
		zap.String("identity", caller.Identity),
	)
	return nil
}

// RemoveShare deletes the pet's capability token. A token already
// absent (e.g. removed concurrently from another device) is success.
func (m *SharingManager) RemoveShare(ctx context.Context, petID string) error {
	if err := m.client.Delete(ctx, tokenRecordID(petID)); err != nil && !IsNotFound(err) {
		return err
	}

	e, err := m.store.Get(ctx, KindPet, petID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	pet, ok := e.(*Pet)
	if !ok {
		return fmt.Errorf("%w: %s is not a pet", ErrValidation, petID)
	}
	pet.ShareState = ShareStateUnshared
	pet.IsShared = false
	pet.Participants = nil
	pet.UpdatedAt = Touch(pet.UpdatedAt)
	if err := m.store.Put(ctx, pet); err != nil {
		return err
	}

	// Propagate the cleared isShared flag on the next upload drain.
	if _, err := m.store.EnqueueUpload(ctx, KindPet, petID); err != nil {
		m.log.Warn("failed to queue root update after unshare", zap.String("pet", petID), zap.Error(err))
	}
	return nil
}

// UpdateParticipantPermission changes one participant's access level.
// The participant is looked up by contact identifier; a participant not
// found is a reported permission error, never silently ignored.
func (m *SharingManager) UpdateParticipantPermission(ctx context.Context, petID, contact string, perm Permission) error {
	token, err := m.fetchToken(ctx, petID)
	if err != nil {
		return err
	}

	found := false
	for i := range token.Participants {
		if token.Participants[i].Contact == contact || token.Participants[i].Identity == contact {
			token.Participants[i].Permission = perm
			found = true
			break
		}
	}
	if !found {
		return &ParticipantError{PetID: petID, Contact: contact}
	}

	token.UpdatedAt = Touch(token.UpdatedAt)
	rec, err := m.codec.Encode(token)
	if err != nil {
		return err
	}
	_, err = m.client.Save(ctx, rec)
	return err
}

// FetchParticipants returns the pet's current participant list. A pet
// with no token yields an empty list, not an error.
func (m *SharingManager) FetchParticipants(ctx context.Context, petID string) ([]Participant, error) {
	token, err := m.fetchToken(ctx, petID)
	if IsNotFound(err) {
		return []Participant{}, nil
	}
	if err != nil {
		return nil, err
	}
	if token.Participants == nil {
		return []Participant{}, nil
	}
	return token.Participants, nil
}

func (m *SharingManager) fetchToken(ctx context.Context, petID string) (*ShareToken, error) {
	rec, err := m.client.Fetch(ctx, tokenRecordID(petID))
	if err != nil {
		return nil, err
	}
	e, err := m.codec.Decode(rec)
	if err != nil {
		return nil, err
	}
	token, ok := e.(*ShareToken)
	if !ok {
		return nil, fmt.Errorf("%w: record %s is not a share token", ErrConversion, rec.ID)
	}
	return token, nil
}
