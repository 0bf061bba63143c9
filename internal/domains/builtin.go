package domains

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/offline"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Commutative operation types.
const (
	OpXPAdd    models.OperationType = "xp.add"
	OpClubJoin models.OperationType = "club.join"
)

// Builtins returns fresh descriptors for the five built-in domains.
func Builtins() []Descriptor {
	return []Descriptor{
		Leaderboard(),
		LessonProgress(),
		Achievements(),
		ChatMessages(),
		ClubDirectory(),
	}
}

type leaderboardRow struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	XP          int64  `json:"xp"`
	Rank        int    `json:"rank"`
}

// Leaderboard rows order by rank, then by xp descending. Unranked rows
// (rank 0) sort last.
func Leaderboard() Descriptor {
	return Descriptor{
		Domain: models.DomainLeaderboard,
		Equal: func(a, b json.RawMessage) bool {
			x, okx := decode[leaderboardRow](a)
			y, oky := decode[leaderboardRow](b)

			return okx && oky && x.UserID != "" && x.UserID == y.UserID
		},
		Less: func(a, b models.Record) bool {
			x, _ := decode[leaderboardRow](a.Payload)
			y, _ := decode[leaderboardRow](b.Payload)

			rx, ry := rankKey(x.Rank), rankKey(y.Rank)
			if rx != ry {
				return rx < ry
			}

			if x.XP != y.XP {
				return x.XP > y.XP
			}

			return a.ID < b.ID
		},
		Coalescers: map[models.OperationType]offline.CoalesceFunc{
			OpXPAdd: sumDelta("user_id"),
		},
		Validate: func(op models.Operation) error {
			if op.Type != OpXPAdd {
				return nil
			}

			var p struct {
				UserID string   `json:"user_id"`
				Delta  *float64 `json:"delta"`
			}

			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return invalid("xp.add: malformed payload")
			}

			if p.UserID == "" || p.Delta == nil {
				return invalid("xp.add: user_id and delta are required")
			}

			return nil
		},
	}
}

func rankKey(rank int) int {
	if rank <= 0 {
		return int(^uint(0) >> 1)
	}

	return rank
}

type lessonProgress struct {
	LessonID  string   `json:"lesson_id"`
	Status    string   `json:"status"`
	Percent   *float64 `json:"percent"`
	UpdatedAt string   `json:"updated_at"`
}

// LessonProgress records order by last update.
func LessonProgress() Descriptor {
	return Descriptor{
		Domain: models.DomainLessonProgress,
		Equal: func(a, b json.RawMessage) bool {
			x, okx := decode[lessonProgress](a)
			y, oky := decode[lessonProgress](b)

			if !okx || !oky || x.LessonID != y.LessonID || x.Status != y.Status {
				return false
			}

			if x.Percent == nil || y.Percent == nil {
				return x.Percent == y.Percent
			}

			return *x.Percent == *y.Percent
		},
		Less: func(a, b models.Record) bool {
			return byTime(a, b, func(r models.Record) time.Time {
				p, _ := decode[lessonProgress](r.Payload)
				return timeOr(p.UpdatedAt, r.CreatedAt)
			})
		},
		Validate: func(op models.Operation) error {
			p, ok := decode[lessonProgress](op.Payload)
			if !ok {
				return invalid("lesson progress: malformed payload")
			}

			if strings.TrimSpace(p.LessonID) == "" {
				return invalid("lesson progress: lesson_id is required")
			}

			if p.Percent != nil && (*p.Percent < 0 || *p.Percent > 100) {
				return invalid("lesson progress: percent must be between 0 and 100")
			}

			return nil
		},
	}
}

type achievement struct {
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	UnlockedAt    string `json:"unlocked_at"`
}

// Achievements order by unlock time.
func Achievements() Descriptor {
	return Descriptor{
		Domain: models.DomainAchievements,
		Equal: func(a, b json.RawMessage) bool {
			x, okx := decode[achievement](a)
			y, oky := decode[achievement](b)

			return okx && oky && x.AchievementID != "" && x.AchievementID == y.AchievementID
		},
		Less: func(a, b models.Record) bool {
			return byTime(a, b, func(r models.Record) time.Time {
				p, _ := decode[achievement](r.Payload)
				return timeOr(p.UnlockedAt, r.CreatedAt)
			})
		},
	}
}

type chatMessage struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	SentAt         string `json:"sent_at"`
}

var chatRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// normalizeContent is the comparison form of message text: NFC, with
// surrounding whitespace removed.
func normalizeContent(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// ChatMessages are chronological. Two messages are the same write when
// they share conversation and role and their normalized content matches.
func ChatMessages() Descriptor {
	return Descriptor{
		Domain: models.DomainChatMessages,
		Equal: func(a, b json.RawMessage) bool {
			x, okx := decode[chatMessage](a)
			y, oky := decode[chatMessage](b)

			return okx && oky &&
				x.ConversationID == y.ConversationID &&
				x.Role == y.Role &&
				normalizeContent(x.Content) == normalizeContent(y.Content)
		},
		Less: func(a, b models.Record) bool {
			return byTime(a, b, func(r models.Record) time.Time {
				p, _ := decode[chatMessage](r.Payload)
				return timeOr(p.SentAt, r.CreatedAt)
			})
		},
		Validate: func(op models.Operation) error {
			p, ok := decode[chatMessage](op.Payload)
			if !ok {
				return invalid("chat message: malformed payload")
			}

			if !chatRoles[p.Role] {
				return invalid("chat message: unknown role %q", p.Role)
			}

			if normalizeContent(p.Content) == "" {
				return invalid("chat message: content is empty")
			}

			return nil
		},
	}
}

type club struct {
	ClubID      string `json:"club_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"member_count"`
}

// nameOrder collates club names. A Collator keeps internal buffers, so
// calls are serialized.
type nameOrder struct {
	mu sync.Mutex
	c  *collate.Collator
}

func (n *nameOrder) compare(a, b string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.c.CompareString(a, b)
}

func foldName(s string) string {
	return cases.Fold().String(strings.TrimSpace(norm.NFC.String(s)))
}

// ClubDirectory orders clubs by collated name. Joins commute.
func ClubDirectory() Descriptor {
	order := &nameOrder{c: collate.New(language.English, collate.IgnoreCase)}

	return Descriptor{
		Domain: models.DomainClubDirectory,
		Equal: func(a, b json.RawMessage) bool {
			x, okx := decode[club](a)
			y, oky := decode[club](b)

			return okx && oky && foldName(x.Name) != "" && foldName(x.Name) == foldName(y.Name)
		},
		Less: func(a, b models.Record) bool {
			x, _ := decode[club](a.Payload)
			y, _ := decode[club](b.Payload)

			if c := order.compare(x.Name, y.Name); c != 0 {
				return c < 0
			}

			return a.ID < b.ID
		},
		Coalescers: map[models.OperationType]offline.CoalesceFunc{
			OpClubJoin: sumDelta("club_id"),
		},
		Validate: func(op models.Operation) error {
			if op.Type == OpClubJoin {
				var p struct {
					ClubID string `json:"club_id"`
				}

				if err := json.Unmarshal(op.Payload, &p); err != nil || p.ClubID == "" {
					return invalid("club.join: club_id is required")
				}

				return nil
			}

			p, ok := decode[club](op.Payload)
			if !ok {
				return invalid("club: malformed payload")
			}

			if op.RecordID == "" && strings.TrimSpace(p.Name) == "" {
				return invalid("club: name is required")
			}

			return nil
		},
	}
}
