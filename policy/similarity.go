package policy

// Similarity returns the Ratcliff/Obershelp ratio of a and b in [0, 1]:
// twice the number of matched runes over the total rune count. Matches are
// found by taking the longest common block and recursing on both sides.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matched(ra, rb)) / float64(total)
}

// SimilarityExceeds reports whether Similarity(a, b) > threshold. The full
// comparison only runs when the length and rune-count upper bounds leave it
// undecided.
func SimilarityExceeds(a, b string, threshold float64) bool {
	return exceeds([]rune(a), []rune(b), threshold)
}

func exceeds(a, b []rune, threshold float64) bool {
	total := float64(len(a) + len(b))
	if total == 0 {
		return 1 > threshold
	}
	if 2*float64(min(len(a), len(b)))/total <= threshold {
		return false
	}
	if 2*float64(shared(a, b))/total <= threshold {
		return false
	}
	return 2*float64(matched(a, b))/total > threshold
}

// shared counts the runes a and b have in common regardless of order, an
// upper bound on matched.
func shared(a, b []rune) int {
	avail := make(map[rune]int, len(b))
	for _, r := range b {
		avail[r]++
	}
	n := 0
	for _, r := range a {
		if avail[r] > 0 {
			avail[r]--
			n++
		}
	}
	return n
}

func matched(a, b []rune) int {
	i, j, k := longestBlock(a, b)
	if k == 0 {
		return 0
	}
	return k + matched(a[:i], b[:j]) + matched(a[i+k:], b[j+k:])
}

// longestBlock finds the longest common run, preferring the earliest start
// in a and then in b.
func longestBlock(a, b []rune) (int, int, int) {
	var bi, bj, bk int
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				cur[j] = 0
				continue
			}
			cur[j] = prev[j-1] + 1
			if cur[j] > bk {
				bk = cur[j]
				bi, bj = i-bk, j-bk
			}
		}
		prev, cur = cur, prev
	}
	return bi, bj, bk
}
