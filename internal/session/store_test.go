package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"minbar/pkg/types"
)

func TestStore_JoinUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Join(alice, "missing", "conn-a", types.ListenerRole())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Join() error = %v, want ErrNotFound", err)
	}
}

func TestStore_JoinEndedSession(t *testing.T) {
	f := newFixture(t)
	f.live(t)
	if _, err := f.lifecycle.Stop(admin, "s1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	_, err := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Join() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListenerJoinNotifiesBroadcaster(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	p, err := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if p.ID == "" || p.ConnectionID != "conn-a" {
		t.Errorf("unexpected participant %+v", p)
	}
	if len(p.SubscribedLanguages) != 0 {
		t.Errorf("new listener should have no subscriptions, got %v", p.SubscribedLanguages)
	}

	events := f.sender.events(t, "conn-b")
	if got := lastCount(t, events, types.EventListenerJoined); got != 1 {
		t.Errorf("listener_joined count = %d, want 1", got)
	}
	if len(eventsOfType(events, types.EventParticipantJoined)) != 1 {
		t.Error("broadcaster should receive participant_joined")
	}

	info, _ := f.store.Snapshot("s1")
	if info.ListenerCount != 1 {
		t.Errorf("ListenerCount = %d, want 1", info.ListenerCount)
	}
}

func TestStore_JoinSameConnectionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	first, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	second, err := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	if err != nil {
		t.Fatalf("second Join() error = %v", err)
	}
	if first.ID != second.ID {
		t.Error("rejoining should return the same participant")
	}
	if info, _ := f.store.Snapshot("s1"); info.ListenerCount != 1 {
		t.Errorf("ListenerCount = %d, want 1", info.ListenerCount)
	}
}

func TestStore_TranslatorRules(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	tests := []struct {
		name     string
		identity types.Identity
		role     types.ParticipantRole
		wantErr  error
	}{
		{"anonymous translator", guest, types.TranslatorRole(frLang), ErrForbidden},
		{"unsupported language", alice, types.TranslatorRole("de"), ErrUnsupportedLanguage},
		{"missing language", alice, types.ParticipantRole{Kind: types.KindTranslator}, ErrInvalidRole},
		{"listener with language", alice, types.ParticipantRole{Kind: types.KindListener, Language: frLang}, ErrInvalidRole},
		{"unknown kind", alice, types.ParticipantRole{Kind: "imam"}, ErrInvalidRole},
		{"impersonated broadcaster", alice, types.BroadcasterRole(), ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Join(tt.identity, "s1", "conn-x", tt.role)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Join() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_TranslatorLanguageNormalized(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	p, err := f.store.Join(fatima, "s1", "conn-t", types.TranslatorRole("FR"))
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if p.Role.Language != frLang {
		t.Errorf("Language = %q, want fr", p.Role.Language)
	}
}

func TestStore_MultipleTranslatorsPerLanguageByDefault(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	if _, err := f.store.Join(fatima, "s1", "conn-t1", types.TranslatorRole(frLang)); err != nil {
		t.Fatalf("first translator error = %v", err)
	}
	if _, err := f.store.Join(bob, "s1", "conn-t2", types.TranslatorRole(frLang)); err != nil {
		t.Errorf("second translator error = %v, want nil", err)
	}
}

func TestStore_SingleTranslatorPolicy(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SingleTranslatorPerLanguage = true })
	f.live(t)

	if _, err := f.store.Join(fatima, "s1", "conn-t1", types.TranslatorRole(frLang)); err != nil {
		t.Fatalf("first translator error = %v", err)
	}
	if _, err := f.store.Join(bob, "s1", "conn-t2", types.TranslatorRole(frLang)); !errors.Is(err, ErrLanguageTaken) {
		t.Errorf("second translator error = %v, want ErrLanguageTaken", err)
	}
	// The holder re-registering is a reattach, not a conflict.
	if _, err := f.store.Join(fatima, "s1", "conn-t3", types.TranslatorRole(frLang)); err != nil {
		t.Errorf("holder re-register error = %v", err)
	}
	if _, err := f.store.Join(bob, "s1", "conn-t2", types.TranslatorRole(enLang)); err != nil {
		t.Errorf("other language error = %v", err)
	}
}

func TestStore_LeaveKeepsRecordAndDropsCount(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	p, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	if err := f.store.Leave("s1", p.ID); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	if got := lastCount(t, f.sender.events(t, "conn-b"), types.EventListenerLeft); got != 0 {
		t.Errorf("listener_left count = %d, want 0", got)
	}

	kept, err := f.store.ParticipantFor("s1", "alice")
	if err != nil {
		t.Fatalf("ParticipantFor() error = %v", err)
	}
	if kept.Connected() {
		t.Error("participant should be disconnected after Leave")
	}

	// Leaving twice is harmless and does not double-decrement.
	if err := f.store.Leave("s1", p.ID); err != nil {
		t.Errorf("second Leave() error = %v", err)
	}
	if info, _ := f.store.Snapshot("s1"); info.ListenerCount != 0 {
		t.Errorf("ListenerCount = %d, want 0", info.ListenerCount)
	}
}

func TestStore_LeaveUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	if err := f.store.Leave("s1", "nobody"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Leave() error = %v, want ErrNotParticipant", err)
	}
	if err := f.store.Leave("nope", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Leave() error = %v, want ErrNotFound", err)
	}
}

func TestStore_SubscribeReplacesAndIndexes(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	p, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())

	langs, err := f.store.Subscribe("s1", p.ID, []types.Language{"FR", "en", "fr"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(langs) != 2 || langs[0] != enLang || langs[1] != frLang {
		t.Errorf("Subscribe() = %v, want [en fr]", langs)
	}

	if _, err := f.store.Subscribe("s1", p.ID, []types.Language{frLang}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	en, _ := f.store.ListParticipants("s1", ParticipantFilter{Kind: types.KindListener, Language: enLang})
	fr, _ := f.store.ListParticipants("s1", ParticipantFilter{Kind: types.KindListener, Language: frLang})
	if len(en) != 0 {
		t.Errorf("en subscribers = %d, want 0 after replace", len(en))
	}
	if len(fr) != 1 || fr[0].ID != p.ID {
		t.Errorf("fr subscribers = %v", fr)
	}

	info, _ := f.store.Snapshot("s1")
	if info.SubscribersByLang[frLang] != 1 || info.SubscribersByLang[enLang] != 0 {
		t.Errorf("SubscribersByLang = %v", info.SubscribersByLang)
	}
}

func TestStore_SubscribeValidation(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	listener, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	translator, _ := f.store.Join(fatima, "s1", "conn-t", types.TranslatorRole(frLang))

	if _, err := f.store.Subscribe("s1", translator.ID, []types.Language{frLang}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("translator Subscribe() error = %v, want ErrInvalidRole", err)
	}
	if _, err := f.store.Subscribe("s1", listener.ID, []types.Language{"de"}); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("Subscribe(de) error = %v, want ErrUnsupportedLanguage", err)
	}
	if _, err := f.store.Subscribe("s1", listener.ID, []types.Language{"not a tag"}); !errors.Is(err, types.ErrInvalidLanguage) {
		t.Errorf("Subscribe(bad) error = %v, want ErrInvalidLanguage", err)
	}
	if _, err := f.store.Subscribe("s1", "ghost", []types.Language{frLang}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Subscribe(ghost) error = %v, want ErrNotParticipant", err)
	}
}

func TestStore_AnyLanguageWhenSessionDeclaresNone(t *testing.T) {
	f := newFixture(t)
	if _, err := f.lifecycle.CreateAndStart(admin, "open", "m9", nil, "conn-b"); err != nil {
		t.Fatalf("CreateAndStart() error = %v", err)
	}

	p, _ := f.store.Join(alice, "open", "conn-a", types.ListenerRole())
	if _, err := f.store.Subscribe("open", p.ID, []types.Language{"ur"}); err != nil {
		t.Errorf("Subscribe() error = %v", err)
	}
	if _, err := f.store.Join(fatima, "open", "conn-t", types.TranslatorRole("ur")); err != nil {
		t.Errorf("translator Join() error = %v", err)
	}
}

func TestStore_ListParticipantsFilters(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	a, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	f.clock.Advance(time.Second)
	f.store.Join(bob, "s1", "conn-bob", types.ListenerRole())
	f.store.Join(fatima, "s1", "conn-t", types.TranslatorRole(frLang))
	f.store.Leave("s1", a.ID)

	all, _ := f.store.ListParticipants("s1", ParticipantFilter{})
	if len(all) != 4 {
		t.Errorf("all = %d, want 4 (broadcaster, 2 listeners, translator)", len(all))
	}
	connectedListeners, _ := f.store.ListParticipants("s1", ParticipantFilter{Kind: types.KindListener, ConnectedOnly: true})
	if len(connectedListeners) != 1 || connectedListeners[0].UserID != "bob" {
		t.Errorf("connected listeners = %v", connectedListeners)
	}
	frTranslators, _ := f.store.ListParticipants("s1", ParticipantFilter{Kind: types.KindTranslator, Language: frLang})
	if len(frTranslators) != 1 {
		t.Errorf("fr translators = %d, want 1", len(frTranslators))
	}
	if _, err := f.store.ListParticipants("nope", ParticipantFilter{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListParticipants() error = %v, want ErrNotFound", err)
	}
}

func TestStore_RoleChangeListenerToTranslator(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	listener, _ := f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	translator, err := f.store.Join(alice, "s1", "conn-a", types.TranslatorRole(frLang))
	if err != nil {
		t.Fatalf("Join(translator) error = %v", err)
	}
	if translator.ID == listener.ID {
		t.Error("role change should create a new participant")
	}
	if info, _ := f.store.Snapshot("s1"); info.ListenerCount != 0 {
		t.Errorf("ListenerCount = %d, want 0 after role change", info.ListenerCount)
	}
}

func TestStore_BroadcasterCannotChangeRole(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	if _, err := f.store.Join(admin, "s1", "conn-b", types.ListenerRole()); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Join() error = %v, want ErrInvalidRole", err)
	}
}

func TestStore_DisconnectConnection(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	if n := f.store.DisconnectConnection("conn-a"); n != 1 {
		t.Errorf("DisconnectConnection() = %d, want 1", n)
	}
	if n := f.store.DisconnectConnection("conn-a"); n != 0 {
		t.Errorf("second DisconnectConnection() = %d, want 0", n)
	}
	if info, _ := f.store.Snapshot("s1"); info.ListenerCount != 0 {
		t.Errorf("ListenerCount = %d, want 0", info.ListenerCount)
	}
}

func TestStore_DisconnectStaleSocketAfterRebind(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	f.store.Join(alice, "s1", "conn-old", types.ListenerRole())
	f.store.Join(alice, "s1", "conn-new", types.ListenerRole())

	// The old socket's close arrives late and must not detach the new binding.
	if n := f.store.DisconnectConnection("conn-old"); n != 0 {
		t.Errorf("DisconnectConnection(old) = %d, want 0", n)
	}
	p, _ := f.store.ParticipantFor("s1", "alice")
	if p.ConnectionID != "conn-new" {
		t.Errorf("ConnectionID = %q, want conn-new", p.ConnectionID)
	}
	if info, _ := f.store.Snapshot("s1"); info.ListenerCount != 1 {
		t.Errorf("ListenerCount = %d, want 1", info.ListenerCount)
	}
}

func TestStore_BacklogReplayedToLateJoiner(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BacklogSize = 2 })
	f.live(t)

	for i := 0; i < 3; i++ {
		err := f.store.WithSession("s1", func(v *View) error {
			seq := v.AssignSequence()
			unit := types.TranscriptionUnit{SessionID: "s1", SequenceNumber: seq, Text: "x", ProducedAt: v.Now()}
			frame, _ := EncodeEvent(types.EventVoiceTranscription, unit)
			v.RecordUnit(unit, frame)
			return nil
		})
		if err != nil {
			t.Fatalf("WithSession() error = %v", err)
		}
	}

	f.store.Join(alice, "s1", "conn-a", types.ListenerRole())
	got := eventsOfType(f.sender.events(t, "conn-a"), types.EventVoiceTranscription)
	if len(got) != 2 {
		t.Fatalf("backlog replay = %d units, want 2", len(got))
	}
	var first, second types.TranscriptionUnit
	json.Unmarshal(got[0].Payload, &first)
	json.Unmarshal(got[1].Payload, &second)
	if first.SequenceNumber != 2 || second.SequenceNumber != 3 {
		t.Errorf("replayed seqs %d,%d, want 2,3", first.SequenceNumber, second.SequenceNumber)
	}
}

func TestStore_ConcurrentJoinLeave(t *testing.T) {
	f := newFixture(t)
	f.live(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.Identity{UserID: "user-" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Role: types.RoleIndividual}
			conn := "conn-" + id.UserID
			p, err := f.store.Join(id, "s1", conn, types.ListenerRole())
			if err != nil {
				t.Errorf("Join() error = %v", err)
				return
			}
			f.store.Subscribe("s1", p.ID, []types.Language{frLang})
			if i%2 == 0 {
				f.store.DisconnectConnection(conn)
			}
		}(i)
	}
	wg.Wait()

	info, _ := f.store.Snapshot("s1")
	if info.ListenerCount != 25 {
		t.Errorf("ListenerCount = %d, want 25", info.ListenerCount)
	}
	if info.SubscribersByLang[frLang] != 25 {
		t.Errorf("connected fr subscribers = %d, want 25", info.SubscribersByLang[frLang])
	}
}

func TestStore_Stats(t *testing.T) {
	f := newFixture(t)
	f.live(t)
	f.store.Join(alice, "s1", "conn-a", types.ListenerRole())

	stats := f.store.Stats()
	if stats.Sessions != 1 || stats.Live != 1 || stats.Participants != 2 || stats.Connected != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	if live := f.store.ListLive(); len(live) != 1 || live[0].ID != "s1" {
		t.Errorf("ListLive() = %v", live)
	}
}
