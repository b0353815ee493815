// ABOUTME: Record Codec: converts local entities to and from remote wire records.
// ABOUTME: Owns the composite key scheme and schema-checked typed decoding.
package petsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Zone names subdividing the private partition by entity category.
const (
	PetZone     = "PetZone"
	ProfileZone = "ProfileZone"
	CareZone    = "CareZone"
	HealthZone  = "HealthZone"
	ShareZone   = "ShareZone"
)

// RecordID is the composite remote key, rendered as "<zone>:<name>".
type RecordID struct {
	Zone string
	Name string
}

func (id RecordID) String() string {
	return id.Zone + ":" + id.Name
}

// IsZero reports whether the key is unset.
func (id RecordID) IsZero() bool {
	return id.Zone == "" && id.Name == ""
}

// ParseRecordID splits a composite key. The name part may itself
// contain colons; only the first separates the zone.
func ParseRecordID(s string) (RecordID, error) {
	zone, name, ok := strings.Cut(s, ":")
	if !ok || zone == "" || name == "" {
		return RecordID{}, fmt.Errorf("%w: malformed record id %q", ErrConversion, s)
	}
	return RecordID{Zone: zone, Name: name}, nil
}

// DefaultZone returns the private-partition zone for an entity kind.
func DefaultZone(kind RecordKind) string {
	switch kind {
	case KindPet:
		return PetZone
	case KindUserProfile:
		return ProfileZone
	case KindCareLog, KindCareSchedule, KindFeedingLog:
		return CareZone
	case KindHealthLog, KindVaccination, KindWeightLog:
		return HealthZone
	case KindShareToken:
		return ShareZone
	}
	return PetZone
}

// WireRecord is the partition-addressable remote representation of an
// entity. Field values are JSON-stable types: string, bool, float64.
// Timestamps travel as RFC 3339 strings; binary fields as asset refs.
type WireRecord struct {
	Kind   RecordKind     `json:"kind"`
	ID     RecordID       `json:"-"`
	Fields map[string]any `json:"fields"`
}

// Codec converts entities to wire records and back. Binary fields are
// externalized through the asset store on encode and resolved on decode.
type Codec struct {
	assets AssetStore
}

// NewCodec builds a codec over the given asset store.
func NewCodec(assets AssetStore) *Codec {
	return &Codec{assets: assets}
}

// recordID returns the entity's existing remote key, or derives a fresh
// one from its id and the kind's default zone.
func recordID(e Entity) (RecordID, error) {
	if rid := e.RemoteID(); rid != "" {
		return ParseRecordID(rid)
	}
	return RecordID{Zone: DefaultZone(e.Kind()), Name: e.EntityID()}, nil
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Encode converts a local entity into its wire record.
func (c *Codec) Encode(e Entity) (WireRecord, error) {
	id, err := recordID(e)
	if err != nil {
		return WireRecord{}, err
	}
	rec := WireRecord{Kind: e.Kind(), ID: id, Fields: map[string]any{}}
	f := rec.Fields

	switch v := e.(type) {
	case *Pet:
		f["id"] = v.ID
		f["name"] = v.Name
		f["species"] = v.Species
		f["breed"] = v.Breed
		f["birthDate"] = wireTime(v.BirthDate)
		f["gender"] = v.Gender
		f["notes"] = v.Notes
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		f["isActive"] = v.IsActive
		f["isShared"] = v.IsShared
		if len(v.Icon) > 0 {
			ref, err := c.assets.Write(v.Icon)
			if err != nil {
				return WireRecord{}, err
			}
			f["iconAsset"] = ref
		}
	case *UserProfile:
		f["id"] = v.ID
		f["name"] = v.Name
		f["externalIdentity"] = v.ExternalIdentity
		f["colorTag"] = v.ColorTag
		f["isCurrentUser"] = v.IsCurrentUser
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if len(v.Avatar) > 0 {
			ref, err := c.assets.Write(v.Avatar)
			if err != nil {
				return WireRecord{}, err
			}
			f["avatarAsset"] = ref
		}
	case *CareLog:
		f["id"] = v.ID
		f["type"] = v.Type
		f["timestamp"] = wireTime(v.Timestamp)
		f["notes"] = v.Notes
		f["performedBy"] = v.PerformedBy
		f["isCompleted"] = v.IsCompleted
		f["isScheduled"] = v.IsScheduled
		f["petId"] = v.PetID
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if v.UserProfileID != "" {
			f["userProfileId"] = v.UserProfileID
		}
		if v.AssignedTo != "" {
			f["assignedUserProfileId"] = v.AssignedTo
		}
		if v.ScheduledDate != nil {
			f["scheduledDate"] = wireTime(*v.ScheduledDate)
		}
	case *CareSchedule:
		f["id"] = v.ID
		f["type"] = v.Type
		f["scheduledDate"] = wireTime(v.ScheduledDate)
		f["notes"] = v.Notes
		f["isCompleted"] = v.IsCompleted
		f["petId"] = v.PetID
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if v.AssignedTo != "" {
			f["assignedUserProfileId"] = v.AssignedTo
		}
		if v.CompletedBy != "" {
			f["completedBy"] = v.CompletedBy
		}
		if v.CompletedDate != nil {
			f["completedDate"] = wireTime(*v.CompletedDate)
		}
		if v.CreatedBy != "" {
			f["createdBy"] = v.CreatedBy
		}
	case *FeedingLog:
		f["id"] = v.ID
		f["petId"] = v.PetID
		f["timestamp"] = wireTime(v.Timestamp)
		f["foodType"] = v.FoodType
		f["amount"] = v.Amount
		f["unit"] = v.Unit
		f["notes"] = v.Notes
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if v.UserProfileID != "" {
			f["userProfileId"] = v.UserProfileID
		}
	case *HealthLog:
		f["id"] = v.ID
		f["petId"] = v.PetID
		f["timestamp"] = wireTime(v.Timestamp)
		f["condition"] = v.Condition
		f["notes"] = v.Notes
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if v.UserProfileID != "" {
			f["userProfileId"] = v.UserProfileID
		}
	case *Vaccination:
		f["id"] = v.ID
		f["petId"] = v.PetID
		f["name"] = v.Name
		f["date"] = wireTime(v.Date)
		f["notes"] = v.Notes
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		if v.NextDueDate != nil {
			f["nextDueDate"] = wireTime(*v.NextDueDate)
		}
	case *WeightLog:
		f["id"] = v.ID
		f["petId"] = v.PetID
		f["date"] = wireTime(v.Date)
		f["weightKg"] = v.WeightKg
		f["notes"] = v.Notes
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
	case *ShareToken:
		f["id"] = v.TokenID
		f["petId"] = v.PetID
		f["title"] = v.Title
		f["url"] = v.URL
		f["permission"] = string(v.Permission)
		f["createdAt"] = wireTime(v.CreatedAt)
		f["updatedAt"] = wireTime(v.UpdatedAt)
		participants, err := json.Marshal(v.Participants)
		if err != nil {
			return WireRecord{}, err
		}
		f["participants"] = string(participants)
	default:
		return WireRecord{}, fmt.Errorf("%w: unsupported entity kind %s", ErrConversion, e.Kind())
	}
	return rec, nil
}

// fieldReader accumulates the first typed-field failure while reading a
// wire record. Unknown fields are never an error; missing required
// fields and wrong shapes are.
type fieldReader struct {
	rec WireRecord
	err *ConversionError
}

func (r *fieldReader) fail(field, reason string) {
	if r.err == nil {
		r.err = &ConversionError{Record: r.rec.ID, Kind: r.rec.Kind, Field: field, Reason: reason}
	}
}

func (r *fieldReader) str(field string) string {
	v, ok := r.rec.Fields[field]
	if !ok {
		r.fail(field, "missing required field")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

func (r *fieldReader) strOpt(field string) string {
	v, ok := r.rec.Fields[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

func (r *fieldReader) date(field string) time.Time {
	s := r.str(field)
	if r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		r.fail(field, "malformed timestamp")
		return time.Time{}
	}
	return t
}

func (r *fieldReader) dateOpt(field string) *time.Time {
	v, ok := r.rec.Fields[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, fmt.Sprintf("expected string, got %T", v))
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		r.fail(field, "malformed timestamp")
		return nil
	}
	t = t.UTC()
	return &t
}

func (r *fieldReader) boolOr(field string, def bool) bool {
	v, ok := r.rec.Fields[field]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(field, fmt.Sprintf("expected bool, got %T", v))
		return def
	}
	return b
}

func (r *fieldReader) float(field string) float64 {
	v, ok := r.rec.Fields[field]
	if !ok {
		r.fail(field, "missing required field")
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		r.fail(field, fmt.Sprintf("expected number, got %T", v))
		return 0
	}
}

// asset resolves an optional asset-reference field to bytes. A
// reference to a missing asset decodes to nil rather than failing the
// record: images are decoration, not data.
func (r *fieldReader) asset(c *Codec, field string) []byte {
	ref := r.strOpt(field)
	if ref == "" || r.err != nil {
		return nil
	}
	data, err := c.assets.Read(ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		r.fail(field, "asset read failed")
		return nil
	}
	return data
}

// Decode converts a wire record into a typed entity. The entity's
// RemoteID is set from the record's composite key.
func (c *Codec) Decode(rec WireRecord) (Entity, error) {
	r := &fieldReader{rec: rec}
	var e Entity

	switch rec.Kind {
	case KindPet:
		p := &Pet{
			ID:        r.str("id"),
			Name:      r.str("name"),
			Species:   r.strOpt("species"),
			Breed:     r.strOpt("breed"),
			BirthDate: r.date("birthDate"),
			Gender:    r.strOpt("gender"),
			Icon:      r.asset(c, "iconAsset"),
			Notes:     r.strOpt("notes"),
			CreatedAt: r.date("createdAt"),
			UpdatedAt: r.date("updatedAt"),
			IsActive:  r.boolOr("isActive", true),
			IsShared:  r.boolOr("isShared", false),
		}
		if p.IsShared {
			p.ShareState = ShareStateShared
		}
		e = p
	case KindUserProfile:
		e = &UserProfile{
			ID:               r.str("id"),
			Name:             r.str("name"),
			ExternalIdentity: r.str("externalIdentity"),
			ColorTag:         r.strOpt("colorTag"),
			IsCurrentUser:    r.boolOr("isCurrentUser", false),
			Avatar:           r.asset(c, "avatarAsset"),
			CreatedAt:        r.date("createdAt"),
			UpdatedAt:        r.date("updatedAt"),
		}
	case KindCareLog:
		e = &CareLog{
			ID:            r.str("id"),
			Type:          r.str("type"),
			Timestamp:     r.date("timestamp"),
			Notes:         r.strOpt("notes"),
			PerformedBy:   r.strOpt("performedBy"),
			IsCompleted:   r.boolOr("isCompleted", false),
			UserProfileID: r.strOpt("userProfileId"),
			AssignedTo:    r.strOpt("assignedUserProfileId"),
			ScheduledDate: r.dateOpt("scheduledDate"),
			IsScheduled:   r.boolOr("isScheduled", false),
			PetID:         r.str("petId"),
			CreatedAt:     r.date("createdAt"),
			UpdatedAt:     r.date("updatedAt"),
		}
	case KindCareSchedule:
		e = &CareSchedule{
			ID:            r.str("id"),
			Type:          r.str("type"),
			AssignedTo:    r.strOpt("assignedUserProfileId"),
			ScheduledDate: r.date("scheduledDate"),
			Notes:         r.strOpt("notes"),
			IsCompleted:   r.boolOr("isCompleted", false),
			CompletedBy:   r.strOpt("completedBy"),
			CompletedDate: r.dateOpt("completedDate"),
			CreatedBy:     r.strOpt("createdBy"),
			CreatedAt:     r.date("createdAt"),
			UpdatedAt:     r.date("updatedAt"),
			PetID:         r.str("petId"),
		}
	case KindFeedingLog:
		e = &FeedingLog{
			ID:            r.str("id"),
			PetID:         r.str("petId"),
			Timestamp:     r.date("timestamp"),
			FoodType:      r.strOpt("foodType"),
			Amount:        r.float("amount"),
			Unit:          r.strOpt("unit"),
			Notes:         r.strOpt("notes"),
			UserProfileID: r.strOpt("userProfileId"),
			CreatedAt:     r.date("createdAt"),
			UpdatedAt:     r.date("updatedAt"),
		}
	case KindHealthLog:
		e = &HealthLog{
			ID:            r.str("id"),
			PetID:         r.str("petId"),
			Timestamp:     r.date("timestamp"),
			Condition:     r.strOpt("condition"),
			Notes:         r.strOpt("notes"),
			UserProfileID: r.strOpt("userProfileId"),
			CreatedAt:     r.date("createdAt"),
			UpdatedAt:     r.date("updatedAt"),
		}
	case KindVaccination:
		e = &Vaccination{
			ID:          r.str("id"),
			PetID:       r.str("petId"),
			Name:        r.str("name"),
			Date:        r.date("date"),
			NextDueDate: r.dateOpt("nextDueDate"),
			Notes:       r.strOpt("notes"),
			CreatedAt:   r.date("createdAt"),
			UpdatedAt:   r.date("updatedAt"),
		}
	case KindWeightLog:
		e = &WeightLog{
			ID:        r.str("id"),
			PetID:     r.str("petId"),
			Date:      r.date("date"),
			WeightKg:  r.float("weightKg"),
			Notes:     r.strOpt("notes"),
			CreatedAt: r.date("createdAt"),
			UpdatedAt: r.date("updatedAt"),
		}
	case KindShareToken:
		t := &ShareToken{
			TokenID:    r.str("id"),
			PetID:      r.str("petId"),
			Title:      r.strOpt("title"),
			URL:        r.str("url"),
			Permission: Permission(r.strOpt("permission")),
			CreatedAt:  r.date("createdAt"),
			UpdatedAt:  r.date("updatedAt"),
		}
		if t.Permission == "" {
			t.Permission = PermissionReadWrite
		}
		if raw := r.strOpt("participants"); raw != "" && r.err == nil {
			if err := json.Unmarshal([]byte(raw), &t.Participants); err != nil {
				r.fail("participants", "malformed participant list")
			}
		}
		e = t
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrConversion, rec.Kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	e.SetRemoteID(rec.ID.String())
	return e, nil
}
