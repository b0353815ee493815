// ABOUTME: Tests for the sharing manager: token lifecycle, invitation
// ABOUTME: acceptance, participant management, and failure rollback.
package petsync

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type shareEnv struct {
	store   *fakeStore
	remote  *fakeRemote
	client  *Client
	sharing *SharingManager
}

func newShareEnv(t *testing.T) *shareEnv {
	t.Helper()
	store := newFakeStore()
	remote := newFakeRemote()
	client := testClient(t, remote)
	codec := testCodec(t)
	sharing := NewSharingManager(store, client, codec, SharingConfig{
		InviteBaseURL: "https://paw.example.com",
		SigningKey:    []byte("test-signing-key"),
	}, nil)
	return &shareEnv{store: store, remote: remote, client: client, sharing: sharing}
}

func (env *shareEnv) addPet(t *testing.T) *Pet {
	t.Helper()
	pet := testPet()
	if err := env.store.Put(context.Background(), pet); err != nil {
		t.Fatal(err)
	}
	return pet
}

func TestCreateShareLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	token, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if token.PetID != pet.ID || token.Title != pet.Name {
		t.Fatalf("token not scoped to the pet: %+v", token)
	}
	if !strings.HasPrefix(token.URL, "https://paw.example.com/invite?token=") {
		t.Fatalf("unexpected invite url: %s", token.URL)
	}

	got, _ := env.store.Get(ctx, KindPet, pet.ID)
	p := got.(*Pet)
	if p.ShareState != ShareStateShared {
		t.Fatalf("pet must end Shared, got %q", p.ShareState)
	}
	if !p.IsShared {
		t.Fatal("root record isShared flag must be set")
	}

	// Root and token landed remotely in one batch.
	if _, err := env.client.Fetch(ctx, tokenRecordID(pet.ID)); err != nil {
		t.Fatalf("token missing remotely: %v", err)
	}
	if _, err := env.client.Fetch(ctx, RecordID{Zone: PetZone, Name: pet.ID}); err != nil {
		t.Fatalf("root missing remotely: %v", err)
	}
}

func TestCreateShareAdvancesPetClock(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)
	before := pet.UpdatedAt

	if _, err := env.sharing.CreateShare(ctx, pet.ID); err != nil {
		t.Fatalf("create share: %v", err)
	}

	got, _ := env.store.Get(ctx, KindPet, pet.ID)
	if !got.ModTime().After(before) {
		t.Fatalf("sharing must advance updatedAt: before=%v after=%v", before, got.ModTime())
	}

	// The uploaded root carries the advanced stamp, so peers holding the
	// old copy apply the flag instead of discarding it on a tie.
	rec, err := env.client.Fetch(ctx, RecordID{Zone: PetZone, Name: pet.ID})
	if err != nil {
		t.Fatalf("fetch root: %v", err)
	}
	e, err := testCodec(t).Decode(rec)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	if !e.ModTime().After(before) {
		t.Fatalf("remote root kept the stale updatedAt: %v", e.ModTime())
	}
}

func TestPeerLearnsSharedFlagFromRoot(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)
	replica := *pet // second device's copy, taken before sharing

	if _, err := env.sharing.CreateShare(ctx, pet.ID); err != nil {
		t.Fatalf("create share: %v", err)
	}
	rec, err := env.client.Fetch(ctx, RecordID{Zone: PetZone, Name: pet.ID})
	if err != nil {
		t.Fatalf("fetch root: %v", err)
	}

	deviceB := newFakeStore()
	if err := deviceB.Put(ctx, &replica); err != nil {
		t.Fatal(err)
	}
	stats, err := testMerger(t, deviceB).Reconcile(ctx, KindPet, []WireRecord{rec})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("shared root must win over the stale replica: %+v", stats)
	}
	got, _ := deviceB.Get(ctx, KindPet, pet.ID)
	if !got.(*Pet).IsShared {
		t.Fatal("second device never learned the pet is shared")
	}
}

func TestCreateShareAlreadySharedReturnsExistingToken(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	first, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.TokenID != first.TokenID {
		t.Fatalf("re-sharing must return the existing token: %s != %s", second.TokenID, first.TokenID)
	}
}

func TestCreateShareFailureRevertsToUnshared(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	env.remote.failBatch = true
	pet := env.addPet(t)

	_, err := env.sharing.CreateShare(ctx, pet.ID)
	if err == nil {
		t.Fatal("expected failure with the batch endpoint down")
	}

	got, _ := env.store.Get(ctx, KindPet, pet.ID)
	p := got.(*Pet)
	if p.ShareState != ShareStateUnshared {
		t.Fatalf("failed share must roll back to Unshared, got %q", p.ShareState)
	}
	if p.IsShared {
		t.Fatal("isShared must not survive a failed share")
	}
}

func TestAcceptInvitationRegistersParticipant(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	token, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	caller := Participant{Identity: "user-2", Contact: "friend@example.com", Name: "Jo"}
	if err := env.sharing.AcceptInvitation(ctx, token.URL, caller); err != nil {
		t.Fatalf("accept: %v", err)
	}

	participants, err := env.sharing.FetchParticipants(ctx, pet.ID)
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if len(participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(participants))
	}
	p := participants[0]
	if p.Identity != "user-2" || p.Permission != PermissionReadWrite || p.AcceptedAt.IsZero() {
		t.Fatalf("participant defaults not applied: %+v", p)
	}
}

func TestAcceptInvitationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	token, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	caller := Participant{Identity: "user-2", Contact: "friend@example.com"}
	for i := 0; i < 2; i++ {
		if err := env.sharing.AcceptInvitation(ctx, token.URL, caller); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}
	participants, err := env.sharing.FetchParticipants(ctx, pet.ID)
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if len(participants) != 1 {
		t.Fatalf("repeated accept must not duplicate: %d participants", len(participants))
	}
}

func TestAcceptInvitationRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)

	if err := env.sharing.AcceptInvitation(ctx, "https://paw.example.com/invite", Participant{Identity: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("url without token must be ErrValidation, got %v", err)
	}
	if err := env.sharing.AcceptInvitation(ctx, "https://paw.example.com/invite?token=not-a-claim", Participant{Identity: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unsigned claim must be ErrValidation, got %v", err)
	}

	// A claim signed with a different key must not verify.
	other := NewSharingManager(env.store, env.client, testCodec(t), SharingConfig{
		InviteBaseURL: "https://paw.example.com",
		SigningKey:    []byte("some-other-key"),
	}, nil)
	forged, err := other.signClaim("tok", "pet")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.sharing.AcceptInvitation(ctx, env.sharing.inviteURL(forged), Participant{Identity: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("forged claim must be ErrValidation, got %v", err)
	}
}

func TestRemoveShareResetsPet(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	if _, err := env.sharing.CreateShare(ctx, pet.ID); err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := env.sharing.RemoveShare(ctx, pet.ID); err != nil {
		t.Fatalf("remove share: %v", err)
	}

	got, _ := env.store.Get(ctx, KindPet, pet.ID)
	p := got.(*Pet)
	if p.ShareState != ShareStateUnshared || p.IsShared || p.Participants != nil {
		t.Fatalf("unshare must fully reset the pet: %+v", p)
	}
	if _, err := env.client.Fetch(ctx, tokenRecordID(pet.ID)); !IsNotFound(err) {
		t.Fatalf("token must be gone remotely: %v", err)
	}
	ids := env.store.queuedIDs()
	if len(ids) != 1 || ids[0] != pet.ID {
		t.Fatalf("unshare must queue a root re-upload: %v", ids)
	}
}

func TestRemoveShareAdvancesPetClock(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	if _, err := env.sharing.CreateShare(ctx, pet.ID); err != nil {
		t.Fatalf("create share: %v", err)
	}
	shared, _ := env.store.Get(ctx, KindPet, pet.ID)
	sharedAt := shared.ModTime()

	if err := env.sharing.RemoveShare(ctx, pet.ID); err != nil {
		t.Fatalf("remove share: %v", err)
	}
	got, _ := env.store.Get(ctx, KindPet, pet.ID)
	if !got.ModTime().After(sharedAt) {
		t.Fatalf("unsharing must advance updatedAt: shared=%v after=%v", sharedAt, got.ModTime())
	}
}

func TestRemoveShareMissingTokenIsSuccess(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	if err := env.sharing.RemoveShare(ctx, pet.ID); err != nil {
		t.Fatalf("removing an absent share must succeed: %v", err)
	}
}

func TestUpdateParticipantPermission(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	token, err := env.sharing.CreateShare(ctx, pet.ID)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	caller := Participant{Identity: "user-2", Contact: "friend@example.com"}
	if err := env.sharing.AcceptInvitation(ctx, token.URL, caller); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := env.sharing.UpdateParticipantPermission(ctx, pet.ID, "friend@example.com", PermissionReadOnly); err != nil {
		t.Fatalf("update permission: %v", err)
	}
	participants, err := env.sharing.FetchParticipants(ctx, pet.ID)
	if err != nil {
		t.Fatalf("fetch participants: %v", err)
	}
	if participants[0].Permission != PermissionReadOnly {
		t.Fatalf("permission not updated: %+v", participants[0])
	}
}

func TestUpdateParticipantPermissionMissingParticipant(t *testing.T) {
	ctx := context.Background()
	env := newShareEnv(t)
	pet := env.addPet(t)

	if _, err := env.sharing.CreateShare(ctx, pet.ID); err != nil {
		t.Fatalf("create share: %v", err)
	}
	err := env.sharing.UpdateParticipantPermission(ctx, pet.ID, "stranger@example.com", PermissionReadOnly)
	var pErr *ParticipantError
	if !errors.As(err, &pErr) {
		t.Fatalf("missing participant must be a ParticipantError, got %v", err)
	}
	if pErr.PetID != pet.ID || pErr.Contact != "stranger@example.com" {
		t.Fatalf("error not annotated: %+v", pErr)
	}
}

func TestFetchParticipantsNoTokenYieldsEmpty(t *testing.T) {
	env := newShareEnv(t)

	participants, err := env.sharing.FetchParticipants(context.Background(), "no-such-pet")
	if err != nil {
		t.Fatalf("missing token must not error: %v", err)
	}
	if participants == nil || len(participants) != 0 {
		t.Fatalf("expected empty list, got %v", participants)
	}
}
