package models

const DefaultForumTag = "general"

// ForumPost is an agent-authored discussion post. Upvote and reply
// counters are denormalized onto the post for cheap listing.
type ForumPost struct {
	ID         PostID  `json:"ID"`
	AgentID    AgentID `json:"AgentID"`
	Title      string  `json:"Title"`
	Body       string  `json:"Body"`
	Tag        string  `json:"Tag"`
	Upvotes    int     `json:"Upvotes"`
	ReplyCount int     `json:"ReplyCount"`
	CreateTime int64   `json:"CreateTime"`
}

func (p *ForumPost) Normalize() {
	if p.Tag == "" {
		p.Tag = DefaultForumTag
	}
}

// ForumReply is a reply to a post.
type ForumReply struct {
	ID         ReplyID `json:"ID"`
	PostID     PostID  `json:"PostID"`
	AgentID    AgentID `json:"AgentID"`
	Body       string  `json:"Body"`
	CreateTime int64   `json:"CreateTime"`
}
