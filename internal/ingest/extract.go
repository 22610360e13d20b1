// Package ingest follows the chain head and turns new blocks into content,
// accounts, votes and profile updates.
package ingest

import (
	"hivediscover/backend/internal/chain"
)

// Vote is a vote cast on (Author, Permlink).
type Vote struct {
	Voter    string
	Author   string
	Permlink string
}

// ProfileUpdate carries the profile found in an account metadata update.
type ProfileUpdate struct {
	Account string
	Profile chain.Profile
}

// Extract is what one block batch contributes.
type Extract struct {
	Posts    []chain.Content
	Votes    []Vote
	Profiles []ProfileUpdate
	// Names holds every referenced account name, deduplicated, in first-seen order.
	Names []string
}

// ExtractBlocks pulls top-level posts, votes, profile updates and referenced
// account names out of blocks. Operations that fail to decode are skipped.
func ExtractBlocks(blocks []chain.Block) Extract {
	var ex Extract
	seen := make(map[string]struct{})
	addName := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		ex.Names = append(ex.Names, n)
	}

	for _, b := range blocks {
		for _, op := range b.Operations {
			switch op.Type {
			case chain.OpComment:
				var c chain.CommentOp
				if op.Decode(&c) != nil || !c.TopLevel() {
					continue
				}
				ex.Posts = append(ex.Posts, chain.Content{
					Author:   c.Author,
					Permlink: c.Permlink,
					Title:    c.Title,
					Body:     c.Body,
					Tags:     chain.ParseTags(c.JSONMetadata),
					Created:  b.Timestamp,
				})
				addName(c.Author)

			case chain.OpVote:
				var v chain.VoteOp
				if op.Decode(&v) != nil {
					continue
				}
				ex.Votes = append(ex.Votes, Vote{Voter: v.Voter, Author: v.Author, Permlink: v.Permlink})
				addName(v.Voter)
				addName(v.Author)

			case chain.OpAccountUpdate, chain.OpAccountUpdate2:
				var u chain.AccountUpdateOp
				if op.Decode(&u) != nil {
					continue
				}
				addName(u.Account)
				p, ok := chain.ParseProfile(u.PostingJSONMetadata)
				if !ok {
					p, ok = chain.ParseProfile(u.JSONMetadata)
				}
				if ok {
					ex.Profiles = append(ex.Profiles, ProfileUpdate{Account: u.Account, Profile: p})
				}
			}
		}
	}
	return ex
}
