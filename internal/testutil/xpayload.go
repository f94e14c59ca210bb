// Package testutil builds X GraphQL payloads shaped like the web client's responses, for tests.
package testutil

import (
	"encoding/json"
	"strconv"
)

// XUser is a followed account in a Following payload.
type XUser struct {
	ID     string
	Handle string
}

// XTweet is a tweet in a Likes or UserTweetsAndReplies payload.
type XTweet struct {
	ID          string
	Author      string
	Text        string
	InReplyToID string
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// UserByScreenName returns a context payload using the legacy user layout.
func UserByScreenName(id, handle string) []byte {
	return mustJSON(map[string]any{
		"data": map[string]any{
			"user": map[string]any{
				"result": map[string]any{
					"__typename":       "User",
					"rest_id":          id,
					"is_blue_verified": true,
					"legacy": map[string]any{
						"screen_name":             handle,
						"name":                    "Test " + handle,
						"profile_image_url_https": "https://pbs.twimg.com/profile_images/" + id + ".jpg",
						"followers_count":         120,
						"friends_count":           80,
						"created_at":              "Tue Jun 02 20:12:29 +0000 2009",
					},
				},
			},
		},
	})
}

func timeline(entries []any) []byte {
	entries = append(entries, map[string]any{
		"entryId": "cursor-bottom-0",
		"content": map[string]any{
			"entryType":  "TimelineTimelineCursor",
			"value":      "DAABCgABGQ",
			"cursorType": "Bottom",
		},
	})
	return mustJSON(map[string]any{
		"data": map[string]any{
			"user": map[string]any{
				"result": map[string]any{
					"__typename": "User",
					"timeline_v2": map[string]any{
						"timeline": map[string]any{
							"instructions": []any{
								map[string]any{"type": "TimelineClearCache"},
								map[string]any{"type": "TimelineAddEntries", "entries": entries},
							},
						},
					},
				},
			},
		},
	})
}

func tweetResult(t XTweet) map[string]any {
	legacy := map[string]any{
		"id_str":    t.ID,
		"full_text": t.Text,
	}
	if t.InReplyToID != "" {
		legacy["in_reply_to_status_id_str"] = t.InReplyToID
	}
	return map[string]any{
		"__typename": "Tweet",
		"rest_id":    t.ID,
		"core": map[string]any{
			"user_results": map[string]any{
				"result": map[string]any{
					"legacy": map[string]any{"screen_name": t.Author},
				},
			},
		},
		"legacy": legacy,
	}
}

// Likes returns a Likes timeline payload containing the given tweets.
func Likes(tweets ...XTweet) []byte {
	entries := make([]any, 0, len(tweets))
	for _, t := range tweets {
		entries = append(entries, map[string]any{
			"entryId": "tweet-" + t.ID,
			"content": map[string]any{
				"entryType": "TimelineTimelineItem",
				"itemContent": map[string]any{
					"itemType":      "TimelineTweet",
					"tweet_results": map[string]any{"result": tweetResult(t)},
				},
			},
		})
	}
	return timeline(entries)
}

// Replies returns a UserTweetsAndReplies payload where each reply sits in a conversation module
// after its parent tweet.
func Replies(replies ...XTweet) []byte {
	entries := make([]any, 0, len(replies))
	for _, r := range replies {
		items := []any{}
		if r.InReplyToID != "" {
			parent := XTweet{ID: r.InReplyToID, Author: "someone", Text: "parent"}
			items = append(items, map[string]any{
				"entryId": "profile-conversation-" + r.ID + "-tweet-" + parent.ID,
				"item": map[string]any{
					"itemContent": map[string]any{
						"tweet_results": map[string]any{"result": tweetResult(parent)},
					},
				},
			})
		}
		items = append(items, map[string]any{
			"entryId": "profile-conversation-" + r.ID + "-tweet-" + r.ID,
			"item": map[string]any{
				"itemContent": map[string]any{
					"tweet_results": map[string]any{"result": tweetResult(r)},
				},
			},
		})
		entries = append(entries, map[string]any{
			"entryId": "profile-conversation-" + r.ID,
			"content": map[string]any{
				"entryType": "TimelineTimelineModule",
				"items":     items,
			},
		})
	}
	return timeline(entries)
}

// Following returns a Following timeline payload containing the given accounts.
func Following(users ...XUser) []byte {
	entries := make([]any, 0, len(users))
	for _, u := range users {
		entries = append(entries, map[string]any{
			"entryId": "user-" + u.ID,
			"content": map[string]any{
				"entryType": "TimelineTimelineItem",
				"itemContent": map[string]any{
					"itemType": "TimelineUser",
					"user_results": map[string]any{
						"result": map[string]any{
							"__typename": "User",
							"rest_id":    u.ID,
							"legacy": map[string]any{
								"screen_name": u.Handle,
								"name":        u.Handle,
							},
						},
					},
				},
			},
		})
	}
	return timeline(entries)
}

// ManyUsers returns n accounts with ids prefix-0..prefix-(n-1).
func ManyUsers(prefix string, n int) []XUser {
	users := make([]XUser, 0, n)
	for i := 0; i < n; i++ {
		id := prefix + "-" + strconv.Itoa(i)
		users = append(users, XUser{ID: id, Handle: "h_" + prefix + strconv.Itoa(i)})
	}
	return users
}
