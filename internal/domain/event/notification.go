package event

import (
	"encoding/json"
	"time"
)

// Subscription type strings recognized by the notification normalizer.
// Every other type falls through to the unrecognized case and is ignored.
const (
	SubChatMessage      = "channel.chat.message"
	SubChatNotification = "channel.chat.notification"
	SubRedemptionAdd    = "channel.channel_points_custom_reward_redemption.add"
)

// Notification is the raw payload forwarded verbatim by the
// notification-protocol connection manager: the subscription envelope plus
// the untyped event body.
type Notification struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// Subscription is the envelope identifying which registered subscription
// produced a notification.
type Subscription struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

type wireBadge struct {
	SetID string `json:"set_id"`
	ID    string `json:"id"`
}

type wireFragment struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emote *struct {
		ID string `json:"id"`
	} `json:"emote"`
	Mention *struct {
		UserID    string `json:"user_id"`
		UserLogin string `json:"user_login"`
		UserName  string `json:"user_name"`
	} `json:"mention"`
}

type wireChatMessage struct {
	BroadcasterUserID string      `json:"broadcaster_user_id"`
	ChatterUserID     string      `json:"chatter_user_id"`
	ChatterUserLogin  string      `json:"chatter_user_login"`
	ChatterUserName   string      `json:"chatter_user_name"`
	Color             string      `json:"color"`
	MessageID         string      `json:"message_id"`
	Badges            []wireBadge `json:"badges"`
	Message           struct {
		Text      string         `json:"text"`
		Fragments []wireFragment `json:"fragments"`
	} `json:"message"`
}

type wireChatNotification struct {
	wireChatMessage
	NoticeType    string `json:"notice_type"`
	SystemMessage string `json:"system_message"`
}

type wireRedemption struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	UserID            string    `json:"user_id"`
	UserLogin         string    `json:"user_login"`
	UserName          string    `json:"user_name"`
	UserInput         string    `json:"user_input"`
	RedeemedAt        time.Time `json:"redeemed_at"`
	Reward            struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

// FromNotification maps one notification payload to zero or one unified
// event. The broadcaster id gates cross-channel leakage: a single underlying
// connection serves every open channel session, so payloads for other
// broadcasters return nil. Unrecognized subscription types return nil.
func FromNotification(n *Notification, broadcasterID string) *Event {
	switch n.Subscription.Type {
	case SubChatMessage:
		var w wireChatMessage
		if err := json.Unmarshal(n.Event, &w); err != nil || w.BroadcasterUserID != broadcasterID {
			return nil
		}
		return &Event{
			ID:        w.MessageID,
			Type:      TypeMessage,
			Timestamp: time.Now().UTC(),
			Message:   chatMessageFromWire(&w),
		}

	case SubChatNotification:
		var w wireChatNotification
		if err := json.Unmarshal(n.Event, &w); err != nil || w.BroadcasterUserID != broadcasterID {
			return nil
		}
		text := w.SystemMessage
		if w.NoticeType == "announcement" {
			text = "Announcement"
		}
		notice := &Notice{MessageType: w.NoticeType, Text: text}
		if w.Message.Text != "" {
			notice.Message = chatMessageFromWire(&w.wireChatMessage)
		}
		return &Event{
			ID:        w.MessageID,
			Type:      TypeNotice,
			Timestamp: time.Now().UTC(),
			Notice:    notice,
		}

	case SubRedemptionAdd:
		var w wireRedemption
		if err := json.Unmarshal(n.Event, &w); err != nil || w.BroadcasterUserID != broadcasterID {
			return nil
		}
		ts := w.RedeemedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return &Event{
			ID:        w.ID,
			Type:      TypeRedemption,
			Timestamp: ts,
			Redemption: &Redemption{
				By: UserRef{ID: w.UserID, Login: w.UserLogin, Name: w.UserName},
				Reward: Reward{
					ID:    w.Reward.ID,
					Title: w.Reward.Title,
					Cost:  w.Reward.Cost,
					Input: w.UserInput,
				},
			},
		}
	}

	return nil
}

func chatMessageFromWire(w *wireChatMessage) *Message {
	badges := make([]Badge, 0, len(w.Badges))
	for _, b := range w.Badges {
		badges = append(badges, Badge{Set: b.SetID, Version: b.ID})
	}

	var fragments []Fragment
	for _, f := range w.Message.Fragments {
		switch {
		case f.Type == "emote" && f.Emote != nil:
			fragments = append(fragments, Fragment{
				Type: FragmentEmote,
				Text: f.Text,
				Emote: &EmoteInfo{
					ID:          f.Emote.ID,
					Name:        f.Text,
					URL:         NativeEmoteURL(f.Emote.ID),
					AspectRatio: 1,
				},
			})
		case f.Type == "mention" && f.Mention != nil:
			fragments = append(fragments, Fragment{
				Type: FragmentMention,
				Text: f.Text,
				Mention: &UserRef{
					ID:    f.Mention.UserID,
					Login: f.Mention.UserLogin,
					Name:  f.Mention.UserName,
				},
			})
		default:
			fragments = append(fragments, Fragment{Type: FragmentText, Text: f.Text})
		}
	}

	return &Message{
		WireID: w.MessageID,
		Author: Author{
			ID:     w.ChatterUserID,
			Login:  w.ChatterUserLogin,
			Name:   w.ChatterUserName,
			Color:  NormalizeColor(w.Color),
			Badges: badges,
		},
		Text:      w.Message.Text,
		Fragments: fragments,
	}
}
