package chatlog

import (
	"strings"
	"time"
)

// Contact is a directory entry as persisted in the contacts collection.
type Contact struct {
	Wxid       string `json:"wxid"`
	Nickname   string `json:"nickname,omitempty"`
	Remark     string `json:"remark,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Type       int    `json:"type"`
	VerifyFlag int    `json:"verifyFlag,omitempty"`
	Reserved1  int    `json:"reserved1,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	IsFriend   bool   `json:"isFriend,omitempty"`
}

// DisplayName prefers remark, then nickname, then the id.
func (c Contact) DisplayName() string {
	switch {
	case c.Remark != "":
		return c.Remark
	case c.Nickname != "":
		return c.Nickname
	}
	return c.Wxid
}

// Contact types.
const (
	ContactFriend   = 1
	ContactChatRoom = 2
	ContactOfficial = 3
	ContactOther    = 4
)

// Session is one row of the remote conversation list.
type Session struct {
	Talker      string    `json:"talker"`
	Name        string    `json:"name"`
	IsChatRoom  bool      `json:"isChatRoom"`
	LastMessage string    `json:"lastMessage,omitempty"`
	LastTime    time.Time `json:"lastTime"`
	Order       int64     `json:"order,omitempty"`
}

type apiContact struct {
	UserName  string `json:"userName"`
	Alias     string `json:"alias"`
	Remark    string `json:"remark"`
	NickName  string `json:"nickName"`
	IsFriend  bool   `json:"isFriend"`
	AvatarURL string `json:"smallHeadImgUrl"`
}

func (a apiContact) contact() Contact {
	c := Contact{
		Wxid:     a.UserName,
		Nickname: a.NickName,
		Remark:   a.Remark,
		Alias:    a.Alias,
		Avatar:   a.AvatarURL,
		IsFriend: a.IsFriend,
	}
	switch {
	case strings.HasSuffix(a.UserName, "@chatroom"):
		c.Type = ContactChatRoom
	case strings.HasPrefix(a.UserName, "gh_"):
		c.Type = ContactOfficial
	case a.IsFriend:
		c.Type = ContactFriend
	default:
		c.Type = ContactOther
	}
	return c
}

type apiSession struct {
	UserName string `json:"userName"`
	NOrder   int64  `json:"nOrder"`
	NickName string `json:"nickName"`
	Content  string `json:"content"`
	NTime    string `json:"nTime"`
}

func (a apiSession) session() Session {
	name := a.NickName
	if name == "" {
		name = a.UserName
	}
	last, _ := time.Parse(time.RFC3339, a.NTime)
	return Session{
		Talker:      a.UserName,
		Name:        name,
		IsChatRoom:  strings.Contains(a.UserName, "@chatroom"),
		LastMessage: a.Content,
		LastTime:    last,
		Order:       a.NOrder,
	}
}
