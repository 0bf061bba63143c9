package domains

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	syncerrors "github.com/alexjbarnes/edu-sync/internal/errors"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, payload string) models.Record {
	return models.Record{ID: id, Payload: json.RawMessage(payload)}
}

func sortIDs(d Descriptor, records ...models.Record) []string {
	slices.SortStableFunc(records, func(a, b models.Record) int {
		switch {
		case d.Less(a, b):
			return -1
		case d.Less(b, a):
			return 1
		}
		return 0
	})

	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func op(typ, payload string) models.Operation {
	return models.Operation{Type: models.OperationType(typ), Payload: json.RawMessage(payload)}
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry(4 * time.Second)

	assert.Equal(t, models.AllDomains, r.Domains())

	for _, d := range models.AllDomains {
		desc, ok := r.Get(d)
		require.True(t, ok, d)
		assert.Equal(t, 4*time.Second, desc.DedupWindow)
		assert.NotNil(t, desc.Equal)
		assert.NotNil(t, desc.Less)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(time.Second)

	all, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	got, err := r.Resolve([]string{"chat-messages", "leaderboard", "chat-messages"})
	require.NoError(t, err)
	assert.Equal(t, []models.Domain{models.DomainChatMessages, models.DomainLeaderboard}, got)

	_, err = r.Resolve([]string{"portfolio"})
	assert.ErrorIs(t, err, syncerrors.ErrUnknownDomain)
}

func TestLeaderboard(t *testing.T) {
	d := Leaderboard()

	assert.Equal(t, []string{"a", "b", "c", "d"}, sortIDs(d,
		rec("d", `{"user_id":"d","xp":900,"rank":0}`),
		rec("c", `{"user_id":"c","xp":100,"rank":2}`),
		rec("a", `{"user_id":"a","xp":500,"rank":1}`),
		rec("b", `{"user_id":"b","xp":300,"rank":2}`),
	))

	assert.True(t, d.Equal(json.RawMessage(`{"user_id":"u","xp":1}`), json.RawMessage(`{"user_id":"u","xp":2}`)))
	assert.False(t, d.Equal(json.RawMessage(`{"user_id":"u"}`), json.RawMessage(`{"user_id":"v"}`)))

	merge := d.Coalescers[OpXPAdd]
	out, ok, err := merge(json.RawMessage(`{"user_id":"u","delta":10}`), json.RawMessage(`{"user_id":"u","delta":5}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"user_id":"u","delta":15}`, string(out))

	_, ok, err = merge(json.RawMessage(`{"user_id":"u","delta":10}`), json.RawMessage(`{"user_id":"v","delta":5}`))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, d.Validate(op("xp.add", `{"user_id":"u","delta":3}`)))
	assert.Equal(t, syncerrors.KindValidation, syncerrors.KindOf(d.Validate(op("xp.add", `{"user_id":"u"}`))))
	assert.NoError(t, d.Validate(op("profile.update", `{}`)))
}

func TestLessonProgress(t *testing.T) {
	d := LessonProgress()

	assert.NoError(t, d.Validate(op("progress.update", `{"lesson_id":"l1","status":"in_progress","percent":40}`)))

	for _, payload := range []string{
		`{"lesson_id":"","percent":10}`,
		`{"lesson_id":"l1","percent":101}`,
		`{"lesson_id":"l1","percent":-1}`,
		`nope`,
	} {
		err := d.Validate(op("progress.update", payload))
		assert.Equal(t, syncerrors.KindValidation, syncerrors.KindOf(err), payload)
	}

	assert.True(t, d.Equal(
		json.RawMessage(`{"lesson_id":"l1","status":"done","percent":100,"updated_at":"2026-01-01T00:00:00Z"}`),
		json.RawMessage(`{"lesson_id":"l1","status":"done","percent":100,"updated_at":"2026-01-02T00:00:00Z"}`),
	))
	assert.False(t, d.Equal(
		json.RawMessage(`{"lesson_id":"l1","status":"done","percent":100}`),
		json.RawMessage(`{"lesson_id":"l1","status":"done","percent":90}`),
	))

	assert.Equal(t, []string{"old", "new"}, sortIDs(d,
		rec("new", `{"lesson_id":"l2","updated_at":"2026-03-02T10:00:00Z"}`),
		rec("old", `{"lesson_id":"l1","updated_at":"2026-03-01T10:00:00Z"}`),
	))
}

func TestAchievements(t *testing.T) {
	d := Achievements()

	assert.True(t, d.Equal(json.RawMessage(`{"achievement_id":"a","title":"x"}`), json.RawMessage(`{"achievement_id":"a","title":"y"}`)))
	assert.False(t, d.Equal(json.RawMessage(`{}`), json.RawMessage(`{}`)), "missing id never matches")

	assert.Equal(t, []string{"first", "second"}, sortIDs(d,
		rec("second", `{"achievement_id":"b","unlocked_at":"2026-05-02T00:00:00Z"}`),
		rec("first", `{"achievement_id":"a","unlocked_at":"2026-05-01T00:00:00Z"}`),
	))
}

func TestChatMessages(t *testing.T) {
	d := ChatMessages()

	// "é" composed vs decomposed, with padding.
	composed := `{"conversation_id":"c","role":"user","content":"café"}`
	decomposed := `{"conversation_id":"c","role":"user","content":"  café \n"}`
	assert.True(t, d.Equal(json.RawMessage(composed), json.RawMessage(decomposed)))

	assert.False(t, d.Equal(
		json.RawMessage(`{"conversation_id":"c","role":"user","content":"hi"}`),
		json.RawMessage(`{"conversation_id":"c","role":"assistant","content":"hi"}`),
	))
	assert.False(t, d.Equal(
		json.RawMessage(`{"conversation_id":"c1","role":"user","content":"hi"}`),
		json.RawMessage(`{"conversation_id":"c2","role":"user","content":"hi"}`),
	))

	assert.NoError(t, d.Validate(op("message.send", `{"role":"user","content":"hello"}`)))
	assert.Error(t, d.Validate(op("message.send", `{"role":"robot","content":"hello"}`)))
	assert.Error(t, d.Validate(op("message.send", `{"role":"user","content":"   "}`)))

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	local := models.Record{ID: "tmp", Payload: json.RawMessage(`{}`), CreatedAt: base.Add(time.Minute)}
	assert.Equal(t, []string{"m1", "tmp"}, sortIDs(d,
		local,
		rec("m1", `{"sent_at":"2026-01-01T12:00:30Z"}`),
	), "records without sent_at fall back to local creation time")
}

func TestClubDirectory(t *testing.T) {
	d := ClubDirectory()

	assert.Equal(t, []string{"a", "b", "c"}, sortIDs(d,
		rec("c", `{"name":"Zebra Traders"}`),
		rec("b", `{"name":"émerging markets"}`),
		rec("a", `{"name":"bond buffs"}`),
	))

	assert.True(t, d.Equal(json.RawMessage(`{"name":"Value Investors"}`), json.RawMessage(`{"name":" VALUE investors "}`)))
	assert.False(t, d.Equal(json.RawMessage(`{"name":""}`), json.RawMessage(`{"name":""}`)))

	merge := d.Coalescers[OpClubJoin]
	out, ok, err := merge(json.RawMessage(`{"club_id":"c1","delta":1}`), json.RawMessage(`{"club_id":"c1","delta":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"club_id":"c1","delta":2}`, string(out))

	assert.NoError(t, d.Validate(op("club.join", `{"club_id":"c1","delta":1}`)))
	assert.Error(t, d.Validate(op("club.join", `{"delta":1}`)))
	assert.Error(t, d.Validate(op("club.create", `{"name":" "}`)))
	assert.NoError(t, d.Validate(models.Operation{Type: "club.update", RecordID: "c1", Payload: json.RawMessage(`{"description":"x"}`)}))
}

func TestSumDelta_MalformedPayload(t *testing.T) {
	_, _, err := sumDelta("club_id")(json.RawMessage(`{`), json.RawMessage(`{}`))
	assert.Error(t, err)

	_, ok, err := sumDelta("club_id")(json.RawMessage(`{"club_id":"c"}`), json.RawMessage(`{"club_id":"c","delta":1}`))
	require.NoError(t, err)
	assert.False(t, ok, "missing delta is not mergeable")
}

func TestOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domains:
  chat-messages:
    path: /v2/chat
    dedup_window: 2s
  leaderboard:
    path: /v1/board
`), 0o600))

	o, err := LoadOverrides(path)
	require.NoError(t, err)

	r := NewRegistry(5 * time.Second)
	require.NoError(t, r.Apply(o))

	chat, _ := r.Get(models.DomainChatMessages)
	assert.Equal(t, "/v2/chat", chat.Path)
	assert.Equal(t, 2*time.Second, chat.DedupWindow)

	board, _ := r.Get(models.DomainLeaderboard)
	assert.Equal(t, 5*time.Second, board.DedupWindow)

	assert.Equal(t, map[models.Domain]string{
		models.DomainChatMessages: "/v2/chat",
		models.DomainLeaderboard:  "/v1/board",
	}, r.Paths())
	assert.Equal(t, models.AllDomains, r.Domains(), "overrides keep mount order")
}

func TestOverrides_Errors(t *testing.T) {
	r := NewRegistry(time.Second)

	assert.ErrorContains(t, r.Apply(Overrides{Domains: map[string]Override{"portfolio": {}}}), "unknown domain")
	assert.ErrorContains(t, r.Apply(Overrides{Domains: map[string]Override{"achievements": {DedupWindow: "soon"}}}), "invalid dedup_window")

	_, err := LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading domains file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: [1, 2"), 0o600))
	_, err = LoadOverrides(path)
	assert.ErrorContains(t, err, "parsing domains file")
}
