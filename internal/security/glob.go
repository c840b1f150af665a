package security

// globMatch matches text against pattern: '*' is any run, '?' is one rune
// and '\' escapes the next rune. Runs of unescaped '*' are collapsed first.
func globMatch(pattern, text string) bool {
	return matchRunes(compactStars([]rune(pattern)), []rune(text))
}

func compactStars(raw []rune) []rune {
	out := make([]rune, 0, len(raw))
	escaped := false
	prevStar := false
	for _, r := range raw {
		switch {
		case escaped:
			out = append(out, r)
			escaped = false
			prevStar = false
		case r == '\\':
			out = append(out, r)
			escaped = true
			prevStar = false
		case r == '*':
			if !prevStar {
				out = append(out, r)
			}
			prevStar = true
		default:
			out = append(out, r)
			prevStar = false
		}
	}
	return out
}

// matchRunes is the iterative wildcard matcher with single-star
// backtracking, linear in practice for collapsed patterns.
func matchRunes(pat, txt []rune) bool {
	p, t := 0, 0
	starP, starT := -1, 0
	for t < len(txt) {
		if p < len(pat) {
			switch pat[p] {
			case '*':
				starP, starT = p, t
				p++
				continue
			case '?':
				p++
				t++
				continue
			case '\\':
				if p+1 < len(pat) && pat[p+1] == txt[t] {
					p += 2
					t++
					continue
				}
			default:
				if pat[p] == txt[t] {
					p++
					t++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starT++
		p, t = starP+1, starT
	}
	for p < len(pat) && pat[p] == '*' {
		p++
	}
	return p == len(pat)
}
