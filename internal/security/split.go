package security

import (
	"errors"
	"strings"

	"shellgate/internal/domain"
)

var (
	errUnbalanced = errors.New("unbalanced quotes or parentheses")
	errTooDeep    = errors.New("command substitutions nested too deeply")
)

const maxNesting = 16

// dialect captures the lexical differences between bash and PowerShell that
// matter for finding sub-command boundaries.
type dialect struct {
	escape rune
	// extra runes that end a sub-command outside quotes
	groupSeps string
	// PowerShell doubles a single quote to escape it and has typographic quotes
	psQuotes bool
	// bash runs `...` and <(...) as commands
	backticks bool
}

func dialectFor(kind domain.ShellKind) dialect {
	if kind == domain.ShellPowerShell {
		return dialect{escape: '`', groupSeps: "(){}", psQuotes: true}
	}
	return dialect{escape: '\\', groupSeps: "()", backticks: true}
}

// splitChain breaks a command line into the simple commands the shell would
// run: it splits on ; && || | & and newlines outside quotes, and appends the
// bodies of command substitutions as further sub-commands. Redirections such
// as 2>&1 stay intact.
func splitChain(text string, kind domain.ShellKind) ([]string, error) {
	var out []string
	if err := dialectFor(kind).split([]rune(text), &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (d dialect) isSingleQuote(r rune) bool {
	if r == '\'' {
		return true
	}
	return d.psQuotes && (r == '‘' || r == '’' || r == '‚' || r == '‛')
}

func (d dialect) split(rs []rune, out *[]string, depth int) error {
	if depth > maxNesting {
		return errTooDeep
	}

	var (
		cur     strings.Builder
		pending [][]rune // substitution bodies, split after this level
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			*out = append(*out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == d.escape:
			cur.WriteRune(r)
			if i+1 < len(rs) {
				i++
				cur.WriteRune(rs[i])
			}

		case d.isSingleQuote(r):
			end := d.closeSingle(rs, i)
			if end < 0 {
				return errUnbalanced
			}
			cur.WriteString(string(rs[i : end+1]))
			i = end

		case r == '"':
			end, bodies, err := d.closeDouble(rs, i)
			if err != nil {
				return err
			}
			pending = append(pending, bodies...)
			cur.WriteString(string(rs[i : end+1]))
			i = end

		case (r == '$' || (d.backticks && (r == '<' || r == '>'))) && i+1 < len(rs) && rs[i+1] == '(':
			end, body, err := d.substitution(rs, i+1)
			if err != nil {
				return err
			}
			if body != nil {
				pending = append(pending, body)
			}
			cur.WriteString(string(rs[i : end+1]))
			i = end

		case r == '`' && d.backticks:
			end := d.closeBacktick(rs, i)
			if end < 0 {
				return errUnbalanced
			}
			pending = append(pending, rs[i+1:end])
			cur.WriteString(string(rs[i : end+1]))
			i = end

		case r == '&' && isRedirectAmp(rs, i):
			cur.WriteRune(r)

		case r == ';' || r == '\n' || r == '\r' || r == '|' || r == '&' || strings.ContainsRune(d.groupSeps, r):
			flush()

		default:
			cur.WriteRune(r)
		}
	}
	flush()

	for _, body := range pending {
		if err := d.split(body, out, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// isRedirectAmp reports whether the & at i belongs to a redirection like
// 2>&1, >&2, <&0 or &>file.
func isRedirectAmp(rs []rune, i int) bool {
	if i > 0 && (rs[i-1] == '>' || rs[i-1] == '<') {
		return true
	}
	return i+1 < len(rs) && rs[i+1] == '>'
}

// closeSingle returns the index of the quote closing the one at start.
func (d dialect) closeSingle(rs []rune, start int) int {
	for j := start + 1; j < len(rs); j++ {
		if !d.isSingleQuote(rs[j]) {
			continue
		}
		if d.psQuotes && j+1 < len(rs) && d.isSingleQuote(rs[j+1]) {
			j++
			continue
		}
		return j
	}
	return -1
}

// closeDouble returns the index of the closing double quote and the bodies of
// any substitutions inside the string, which the shell still executes.
func (d dialect) closeDouble(rs []rune, start int) (int, [][]rune, error) {
	var bodies [][]rune
	for j := start + 1; j < len(rs); j++ {
		switch c := rs[j]; {
		case c == d.escape:
			j++
		case c == '"':
			return j, bodies, nil
		case c == '$' && j+1 < len(rs) && rs[j+1] == '(':
			end, body, err := d.substitution(rs, j+1)
			if err != nil {
				return 0, nil, err
			}
			if body != nil {
				bodies = append(bodies, body)
			}
			j = end
		case c == '`' && d.backticks:
			end := d.closeBacktick(rs, j)
			if end < 0 {
				return 0, nil, errUnbalanced
			}
			bodies = append(bodies, rs[j+1:end])
			j = end
		}
	}
	return 0, nil, errUnbalanced
}

// substitution matches the parenthesis at open and returns the index of its
// partner and the command body. Arithmetic $((...)) has no command body.
func (d dialect) substitution(rs []rune, open int) (int, []rune, error) {
	end := d.matchParen(rs, open)
	if end < 0 {
		return 0, nil, errUnbalanced
	}
	if d.backticks && open+1 < len(rs) && rs[open+1] == '(' && rs[open-1] == '$' {
		return end, nil, nil
	}
	return end, rs[open+1 : end], nil
}

// matchParen finds the ) matching the ( at open, skipping quoted text.
func (d dialect) matchParen(rs []rune, open int) int {
	depth := 0
	for j := open; j < len(rs); j++ {
		c := rs[j]
		switch {
		case c == d.escape:
			j++
		case d.isSingleQuote(c):
			end := d.closeSingle(rs, j)
			if end < 0 {
				return -1
			}
			j = end
		case c == '"':
			end, _, err := d.closeDouble(rs, j)
			if err != nil {
				return -1
			}
			j = end
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func (d dialect) closeBacktick(rs []rune, start int) int {
	for j := start + 1; j < len(rs); j++ {
		switch rs[j] {
		case '\\':
			j++
		case '`':
			return j
		}
	}
	return -1
}
