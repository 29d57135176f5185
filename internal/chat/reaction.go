package chat

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReactionGroup aggregates reactions sharing an emoji for display.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionSet is an insertion-ordered set of reactions with at most one entry
// per (user, emoji). Methods never modify the receiver.
type ReactionSet []Reaction

// NewReactionSet builds a set from rs, dropping duplicate tuples.
func NewReactionSet(rs ...Reaction) ReactionSet {
	var set ReactionSet
	for _, r := range rs {
		if !set.Has(r.UserID, r.Emoji) {
			set = append(set, r)
		}
	}
	return set
}

func (s ReactionSet) Has(userID, emoji string) bool {
	for _, r := range s {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// With returns a copy of s where the (user, emoji) tuple is present or absent.
func (s ReactionSet) With(userID, emoji string, present bool) ReactionSet {
	out := make(ReactionSet, 0, len(s)+1)
	found := false
	for _, r := range s {
		if r.UserID == userID && r.Emoji == emoji {
			found = true
			if !present {
				continue
			}
		}
		out = append(out, r)
	}
	if present && !found {
		out = append(out, Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}

// Toggle removes the tuple if present and adds it otherwise. It reports
// whether the tuple was added.
func (s ReactionSet) Toggle(userID, emoji string) (ReactionSet, bool) {
	add := !s.Has(userID, emoji)
	return s.With(userID, emoji, add), add
}

// Groups aggregates by emoji in first-seen order.
func (s ReactionSet) Groups() []ReactionGroup {
	index := make(map[string]int)
	var groups []ReactionGroup
	for _, r := range s {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, r.UserID)
	}
	return groups
}
