package placement

import (
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Holders maps each share to the servers that hold or will hold it.
type Holders map[model.ShareNum][]model.ServerID

func (h Holders) Add(sh model.ShareNum, id model.ServerID) {
	for _, have := range h[sh] {
		if have == id {
			return
		}
	}
	h[sh] = append(h[sh], id)
}

// Remove drops id as a holder of sh.
func (h Holders) Remove(sh model.ShareNum, id model.ServerID) {
	ids := h[sh]
	for i, have := range ids {
		if have == id {
			h[sh] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(h[sh]) == 0 {
		delete(h, sh)
	}
}

// Servers is the set of distinct servers holding at least one share.
func (h Holders) Servers() map[model.ServerID]int {
	out := make(map[model.ServerID]int)
	for _, ids := range h {
		for _, id := range ids {
			out[id]++
		}
	}
	return out
}

// Clone copies the map and its slices.
func (h Holders) Clone() Holders {
	out := make(Holders, len(h))
	for sh, ids := range h {
		out[sh] = append([]model.ServerID(nil), ids...)
	}
	return out
}

// Happiness is the size of a maximum matching between servers and
// shares: the number of distinct servers that can each be credited with
// a different share. It never exceeds the number of distinct holders.
func Happiness(h Holders) int {
	matchedServer := make(map[model.ServerID]model.ShareNum)
	shares := model.SortShareNums(h)
	matched := 0
	for _, sh := range shares {
		seen := make(map[model.ServerID]bool)
		if augment(h, sh, matchedServer, seen) {
			matched++
		}
	}
	return matched
}

// augment looks for an augmenting path starting at share sh.
func augment(
	h Holders,
	sh model.ShareNum,
	matchedServer map[model.ServerID]model.ShareNum,
	seen map[model.ServerID]bool,
) bool {
	for _, id := range h[sh] {
		if seen[id] {
			continue
		}
		seen[id] = true
		other, taken := matchedServer[id]
		if !taken || augment(h, other, matchedServer, seen) {
			matchedServer[id] = sh
			return true
		}
	}
	return false
}
