// ABOUTME: Local entity types for the pet-care data model.
// ABOUTME: Every entity is created locally first and syncs remotely afterwards.
package petsync

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies an entity category on the wire and in the local store.
type RecordKind string

const (
	KindPet          RecordKind = "pet"
	KindUserProfile  RecordKind = "userProfile"
	KindCareLog      RecordKind = "careLog"
	KindCareSchedule RecordKind = "careSchedule"
	KindFeedingLog   RecordKind = "feedingLog"
	KindHealthLog    RecordKind = "healthLog"
	KindVaccination  RecordKind = "vaccination"
	KindWeightLog    RecordKind = "weightLog"

	// KindShareToken is never merged by the scheduler; the sharing
	// manager owns its lifecycle.
	KindShareToken RecordKind = "shareToken"
)

// SyncOrder lists entity kinds in dependency order: aggregate roots
// before the records that reference them.
var SyncOrder = []RecordKind{
	KindPet,
	KindUserProfile,
	KindCareLog,
	KindCareSchedule,
	KindFeedingLog,
	KindHealthLog,
	KindVaccination,
	KindWeightLog,
}

// Entity is implemented by every locally stored record type.
type Entity interface {
	EntityID() string
	Kind() RecordKind
	ModTime() time.Time
	RemoteID() string
	SetRemoteID(id string)
}

// Touch bumps updatedAt, keeping it strictly monotonic even when the
// wall clock stalls or steps backwards between mutations.
func Touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

// NewEntityID returns a fresh entity identifier.
func NewEntityID() string {
	return uuid.NewString()
}

// Pet is the aggregate root: the unit of ownership and sharing.
type Pet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Species   string    `json:"species"`
	Breed     string    `json:"breed"`
	BirthDate time.Time `json:"birthDate"`
	Gender    string    `json:"gender"`
	Icon      []byte    `json:"icon,omitempty"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsActive  bool      `json:"isActive"`
	IsShared  bool      `json:"isShared"`

	// ShareState and Participants are owned by the Sharing Manager.
	// Generic merge carries them forward from the local copy.
	ShareState   ShareState    `json:"shareState"`
	Participants []Participant `json:"participants,omitempty"`

	RemoteRecord string `json:"remoteRecordID,omitempty"`
}

func (p *Pet) EntityID() string      { return p.ID }
func (p *Pet) Kind() RecordKind      { return KindPet }
func (p *Pet) ModTime() time.Time    { return p.UpdatedAt }
func (p *Pet) RemoteID() string      { return p.RemoteRecord }
func (p *Pet) SetRemoteID(id string) { p.RemoteRecord = id }

// UserProfile identifies a household member across devices.
type UserProfile struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ExternalIdentity string    `json:"externalIdentity"`
	ColorTag         string    `json:"colorTag"`
	IsCurrentUser    bool      `json:"isCurrentUser"`
	Avatar           []byte    `json:"avatar,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	RemoteRecord     string    `json:"remoteRecordID,omitempty"`
}

func (u *UserProfile) EntityID() string      { return u.ID }
func (u *UserProfile) Kind() RecordKind      { return KindUserProfile }
func (u *UserProfile) ModTime() time.Time    { return u.UpdatedAt }
func (u *UserProfile) RemoteID() string      { return u.RemoteRecord }
func (u *UserProfile) SetRemoteID(id string) { u.RemoteRecord = id }

// CareLog is a performed care entry (walk, grooming, medication, ...).
type CareLog struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Timestamp     time.Time  `json:"timestamp"`
	Notes         string     `json:"notes"`
	PerformedBy   string     `json:"performedBy"`
	IsCompleted   bool       `json:"isCompleted"`
	UserProfileID string     `json:"userProfileId,omitempty"`
	AssignedTo    string     `json:"assignedUserProfileId,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	IsScheduled   bool       `json:"isScheduled"`
	PetID         string     `json:"petId"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	RemoteRecord  string     `json:"remoteRecordID,omitempty"`
}

func (c *CareLog) EntityID() string      { return c.ID }
func (c *CareLog) Kind() RecordKind      { return KindCareLog }
func (c *CareLog) ModTime() time.Time    { return c.UpdatedAt }
func (c *CareLog) RemoteID() string      { return c.RemoteRecord }
func (c *CareLog) SetRemoteID(id string) { c.RemoteRecord = id }

// CareSchedule is a planned care entry. Completion is one-way: once
// closed it never reopens.
type CareSchedule struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	AssignedTo    string     `json:"assignedUserProfileId,omitempty"`
	ScheduledDate time.Time  `json:"scheduledDate"`
	Notes         string     `json:"notes"`
	IsCompleted   bool       `json:"isCompleted"`
	CompletedBy   string     `json:"completedBy,omitempty"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	PetID         string     `json:"petId"`
	RemoteRecord  string     `json:"remoteRecordID,omitempty"`
}

func (c *CareSchedule) EntityID() string      { return c.ID }
func (c *CareSchedule) Kind() RecordKind      { return KindCareSchedule }
func (c *CareSchedule) ModTime() time.Time    { return c.UpdatedAt }
func (c *CareSchedule) RemoteID() string      { return c.RemoteRecord }
func (c *CareSchedule) SetRemoteID(id string) { c.RemoteRecord = id }

// Complete closes the schedule. Returns false if already completed.
func (c *CareSchedule) Complete(by string, at time.Time) bool {
	if c.IsCompleted {
		return false
	}
	c.IsCompleted = true
	c.CompletedBy = by
	t := at.UTC()
	c.CompletedDate = &t
	c.UpdatedAt = Touch(c.UpdatedAt)
	return true
}

// FeedingLog records one feeding.
type FeedingLog struct {
	ID            string    `json:"id"`
	PetID         string    `json:"petId"`
	Timestamp     time.Time `json:"timestamp"`
	FoodType      string    `json:"foodType"`
	Amount        float64   `json:"amount"`
	Unit          string    `json:"unit"`
	Notes         string    `json:"notes"`
	UserProfileID string    `json:"userProfileId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	RemoteRecord  string    `json:"remoteRecordID,omitempty"`
}

func (f *FeedingLog) EntityID() string      { return f.ID }
func (f *FeedingLog) Kind() RecordKind      { return KindFeedingLog }
func (f *FeedingLog) ModTime() time.Time    { return f.UpdatedAt }
func (f *FeedingLog) RemoteID() string      { return f.RemoteRecord }
func (f *FeedingLog) SetRemoteID(id string) { f.RemoteRecord = id }

// HealthLog records an observed health event.
type HealthLog struct {
	ID            string    `json:"id"`
	PetID         string    `json:"petId"`
	Timestamp     time.Time `json:"timestamp"`
	Condition     string    `json:"condition"`
	Notes         string    `json:"notes"`
	UserProfileID string    `json:"userProfileId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	RemoteRecord  string    `json:"remoteRecordID,omitempty"`
}

func (h *HealthLog) EntityID() string      { return h.ID }
func (h *HealthLog) Kind() RecordKind      { return KindHealthLog }
func (h *HealthLog) ModTime() time.Time    { return h.UpdatedAt }
func (h *HealthLog) RemoteID() string      { return h.RemoteRecord }
func (h *HealthLog) SetRemoteID(id string) { h.RemoteRecord = id }

// Vaccination records a shot and its next due date.
type Vaccination struct {
	ID           string     `json:"id"`
	PetID        string     `json:"petId"`
	Name         string     `json:"name"`
	Date         time.Time  `json:"date"`
	NextDueDate  *time.Time `json:"nextDueDate,omitempty"`
	Notes        string     `json:"notes"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	RemoteRecord string     `json:"remoteRecordID,omitempty"`
}

func (v *Vaccination) EntityID() string      { return v.ID }
func (v *Vaccination) Kind() RecordKind      { return KindVaccination }
func (v *Vaccination) ModTime() time.Time    { return v.UpdatedAt }
func (v *Vaccination) RemoteID() string      { return v.RemoteRecord }
func (v *Vaccination) SetRemoteID(id string) { v.RemoteRecord = id }

// WeightLog records a weight measurement in kilograms.
type WeightLog struct {
	ID           string    `json:"id"`
	PetID        string    `json:"petId"`
	Date         time.Time `json:"date"`
	WeightKg     float64   `json:"weightKg"`
	Notes        string    `json:"notes"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	RemoteRecord string    `json:"remoteRecordID,omitempty"`
}

func (w *WeightLog) EntityID() string      { return w.ID }
func (w *WeightLog) Kind() RecordKind      { return KindWeightLog }
func (w *WeightLog) ModTime() time.Time    { return w.UpdatedAt }
func (w *WeightLog) RemoteID() string      { return w.RemoteRecord }
func (w *WeightLog) SetRemoteID(id string) { w.RemoteRecord = id }

// newEntity returns a zero value for kind, for store decoding.
func newEntity(kind RecordKind) Entity {
	switch kind {
	case KindPet:
		return &Pet{}
	case KindUserProfile:
		return &UserProfile{}
	case KindCareLog:
		return &CareLog{}
	case KindCareSchedule:
		return &CareSchedule{}
	case KindFeedingLog:
		return &FeedingLog{}
	case KindHealthLog:
		return &HealthLog{}
	case KindVaccination:
		return &Vaccination{}
	case KindWeightLog:
		return &WeightLog{}
	case KindShareToken:
		return &ShareToken{}
	}
	return nil
}
