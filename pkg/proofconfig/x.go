package proofconfig

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"proof-capture-engine/pkg/models"

	"github.com/tidwall/gjson"
)

// X GraphQL operation names. The web client calls /i/api/graphql/<queryId>/<Operation>.
const (
	XContextEndpoint = "UserByScreenName"
	XLikesEndpoint   = "Likes"
	XFollowEndpoint  = "Following"
	XRepliesEndpoint = "UserTweetsAndReplies"
)

const xBaseURL = "https://x.com"

// X user profiles use Ruby's date layout, e.g. "Tue Jun 02 20:12:29 +0000 2009".
const xTimeLayout = time.RubyDate

// xHandler is the X descriptor. The three X proof types differ only in the page they open, the action
// operation they watch, and how items are extracted and matched.
type xHandler struct {
	proofType      models.ProofType
	actionType     string
	contentType    string
	pageSuffix     string
	pagePattern    *regexp.Regexp
	actionEndpoint string
	kind           models.ActionKind
	extract        func(root gjson.Result) ([]models.ActionItem, bool)
	isTarget       func(item models.ActionItem, target, actor string) bool
}

func newXPagePattern(suffix string) *regexp.Regexp {
	return regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:x|twitter)\.com/[A-Za-z0-9_]{1,15}/` +
		regexp.QuoteMeta(suffix) + `/?(?:[?#].*)?$`)
}

// XHandlers returns the built-in X descriptors.
func XHandlers() []Handler {
	return []Handler{
		&xHandler{
			proofType:      models.ProofTypeXLike,
			actionType:     "like",
			contentType:    "tweet",
			pageSuffix:     "likes",
			pagePattern:    newXPagePattern("likes"),
			actionEndpoint: XLikesEndpoint,
			kind:           models.ActionKindTweets,
			extract:        extractTweets,
			isTarget: func(item models.ActionItem, target, _ string) bool {
				return item.ID == target
			},
		},
		&xHandler{
			proofType:      models.ProofTypeXFollow,
			actionType:     "follow",
			contentType:    "profile",
			pageSuffix:     "following",
			pagePattern:    newXPagePattern("following"),
			actionEndpoint: XFollowEndpoint,
			kind:           models.ActionKindUsers,
			extract:        extractUsers,
			isTarget: func(item models.ActionItem, target, _ string) bool {
				return userMatches(item, target)
			},
		},
		&xHandler{
			proofType:      models.ProofTypeXComment,
			actionType:     "comment",
			contentType:    "tweet",
			pageSuffix:     "with_replies",
			pagePattern:    newXPagePattern("with_replies"),
			actionEndpoint: XRepliesEndpoint,
			kind:           models.ActionKindTweets,
			extract:        extractTweets,
			// A comment is the actor's reply to the target; the reply's own id never matches.
			isTarget: func(item models.ActionItem, target, actor string) bool {
				return item.InReplyToID != "" && item.InReplyToID == target && authoredBy(item, actor)
			},
		},
	}
}

func (h *xHandler) Type() models.ProofType  { return h.proofType }
func (h *xHandler) Platform() string        { return "x" }
func (h *xHandler) ActionType() string      { return h.actionType }
func (h *xHandler) ContentType() string     { return h.contentType }
func (h *xHandler) ContextEndpoint() string { return XContextEndpoint }
func (h *xHandler) ActionEndpoint() string  { return h.actionEndpoint }

func (h *xHandler) MatchesURL(rawURL string) bool {
	return h.pagePattern.MatchString(strings.TrimSpace(rawURL))
}

func (h *xHandler) ProfileURL(viewerHandle string) string {
	handle := strings.TrimPrefix(strings.TrimSpace(viewerHandle), "@")
	if handle == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", xBaseURL, handle, h.pageSuffix)
}

func (h *xHandler) ParseContext(raw []byte) models.NormalizedUser {
	return parseXUser(raw)
}

func (h *xHandler) ParseAction(raw []byte, target string) models.ActionParseResult {
	return h.ParseActionBy(raw, target, "")
}

// ParseActionBy is ParseAction restricted to items the actor wrote, for proof types where authorship matters.
func (h *xHandler) ParseActionBy(raw []byte, target, actor string) models.ActionParseResult {
	result := models.ActionParseResult{Kind: h.kind, Items: []models.ActionItem{}}

	if !gjson.ValidBytes(raw) {
		result.ParseError = "payload is not valid JSON"
		return result
	}

	items, ok := h.extract(gjson.ParseBytes(raw))
	if !ok {
		result.ParseError = "timeline instructions not found"
		return result
	}

	target = strings.TrimSpace(target)
	for i := range items {
		if target != "" && h.isTarget(items[i], target, actor) {
			items[i].IsTarget = true
			result.ProofResult = true
		}
	}
	result.Items = items
	result.TotalItems = len(items)
	return result
}

// userMatches compares a followed account against an id or a handle (case-insensitive, optional @).
func userMatches(item models.ActionItem, target string) bool {
	if item.ID == target {
		return true
	}
	handle := strings.ToLower(strings.TrimPrefix(target, "@"))
	return item.Handle != "" && strings.ToLower(item.Handle) == handle
}

// authoredBy reports whether item was written by actor. Unknown authors and an unknown actor are accepted.
func authoredBy(item models.ActionItem, actor string) bool {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" || item.AuthorHandle == "" {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(item.AuthorHandle, "@"), actor)
}

// first returns the first path that exists under r.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func parseXUser(raw []byte) models.NormalizedUser {
	if !gjson.ValidBytes(raw) {
		return models.NormalizedUser{ParseError: "payload is not valid JSON"}
	}

	root := gjson.ParseBytes(raw)
	result := first(root,
		"data.user.result",
		"data.viewer.user_results.result",
		"data.user_result.result",
	)
	if !result.Exists() || !result.IsObject() {
		return models.NormalizedUser{ParseError: "user result not found"}
	}
	if result.Get("__typename").String() == "UserUnavailable" {
		return models.NormalizedUser{ParseError: "user unavailable"}
	}

	user := models.NormalizedUser{
		ID:          first(result, "rest_id", "legacy.id_str").String(),
		Handle:      first(result, "core.screen_name", "legacy.screen_name").String(),
		DisplayName: first(result, "core.name", "legacy.name").String(),
		AvatarURL:   first(result, "avatar.image_url", "legacy.profile_image_url_https").String(),
	}

	if v := first(result, "is_blue_verified", "verification.verified", "legacy.verified"); v.Exists() {
		verified := v.Bool()
		user.Verified = &verified
	}
	if v := result.Get("legacy.followers_count"); v.Exists() {
		n := int(v.Int())
		user.FollowersCount = &n
	}
	if v := result.Get("legacy.friends_count"); v.Exists() {
		n := int(v.Int())
		user.FollowingCount = &n
	}
	if v := first(result, "core.created_at", "legacy.created_at"); v.Exists() {
		if ts, err := time.Parse(xTimeLayout, v.String()); err == nil {
			ts = ts.UTC()
			user.CreatedAt = &ts
		}
	}

	if user.ID == "" {
		user.ParseError = "user id missing"
	}
	return user
}

// timelineEntries flattens every entry added by the timeline instructions of a user timeline payload.
func timelineEntries(root gjson.Result) ([]gjson.Result, bool) {
	instructions := first(root,
		"data.user.result.timeline_v2.timeline.instructions",
		"data.user.result.timeline.timeline.instructions",
	)
	if !instructions.IsArray() {
		return nil, false
	}

	var entries []gjson.Result
	instructions.ForEach(func(_, ins gjson.Result) bool {
		switch ins.Get("type").String() {
		case "TimelineAddEntries":
			ins.Get("entries").ForEach(func(_, e gjson.Result) bool {
				entries = append(entries, e)
				return true
			})
		case "TimelinePinEntry":
			if e := ins.Get("entry"); e.Exists() {
				entries = append(entries, e)
			}
		}
		return true
	})
	return entries, true
}

// entryItemContents returns the itemContent objects of a single item or of a conversation module.
func entryItemContents(entry gjson.Result) []gjson.Result {
	content := entry.Get("content")
	if ic := content.Get("itemContent"); ic.Exists() {
		return []gjson.Result{ic}
	}
	var out []gjson.Result
	content.Get("items").ForEach(func(_, it gjson.Result) bool {
		if ic := it.Get("item.itemContent"); ic.Exists() {
			out = append(out, ic)
		}
		return true
	})
	return out
}

func unwrapTweet(r gjson.Result) gjson.Result {
	if r.Get("__typename").String() == "TweetWithVisibilityResults" {
		return r.Get("tweet")
	}
	return r
}

func extractTweets(root gjson.Result) ([]models.ActionItem, bool) {
	entries, ok := timelineEntries(root)
	if !ok {
		return nil, false
	}

	items := []models.ActionItem{}
	seen := make(map[string]bool)
	for _, entry := range entries {
		for _, ic := range entryItemContents(entry) {
			tweet := unwrapTweet(ic.Get("tweet_results.result"))
			id := first(tweet, "rest_id", "legacy.id_str").String()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			items = append(items, models.ActionItem{
				ID:   id,
				Text: tweet.Get("legacy.full_text").String(),
				AuthorHandle: first(tweet,
					"core.user_results.result.core.screen_name",
					"core.user_results.result.legacy.screen_name",
				).String(),
				InReplyToID: tweet.Get("legacy.in_reply_to_status_id_str").String(),
			})
		}
	}
	return items, true
}

func extractUsers(root gjson.Result) ([]models.ActionItem, bool) {
	entries, ok := timelineEntries(root)
	if !ok {
		return nil, false
	}

	items := []models.ActionItem{}
	seen := make(map[string]bool)
	for _, entry := range entries {
		for _, ic := range entryItemContents(entry) {
			user := ic.Get("user_results.result")
			id := first(user, "rest_id", "legacy.id_str").String()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			items = append(items, models.ActionItem{
				ID:          id,
				Handle:      first(user, "core.screen_name", "legacy.screen_name").String(),
				DisplayName: first(user, "core.name", "legacy.name").String(),
			})
		}
	}
	return items, true
}
