package expr

import "strings"

// keywordParser owns the sub-grammar that starts with one keyword. parse receives the
// keyword's bounds and the end of the enclosing range, and returns the parsed token and
// the index of the first unconsumed byte.
type keywordParser interface {
	parse(p *parser, start, wordEnd, end int) (Token, int, error)
}

type keywordFunc func(p *parser, start, wordEnd, end int) (Token, int, error)

func (f keywordFunc) parse(p *parser, start, wordEnd, end int) (Token, int, error) {
	return f(p, start, wordEnd, end)
}

// keywordParsers is filled in init: the keyword parsers recurse into parseWord, which
// reads this map.
var keywordParsers map[string]keywordParser

func init() {
	keywordParsers = map[string]keywordParser{
		"CASE":     keywordFunc(parseCase),
		"INTERVAL": keywordFunc(parseInterval),
		"IS":       keywordFunc(parseIsNull),
		"AT":       keywordFunc(parseAtTimeZone),
	}
}

type caseKeyword struct {
	word  string
	start int
	end   int
}

// parseCase parses CASE WHEN c THEN v [WHEN c THEN v ...] [ELSE v] END. Keywords of
// nested CASE expressions are skipped by depth counting.
func parseCase(p *parser, start, wordEnd, end int) (Token, int, error) {
	keywords, closing, err := scanCaseKeywords(p, wordEnd, end)
	if err != nil {
		return nil, 0, err
	}
	if closing < 0 {
		return nil, 0, p.errorf(start, end, "CASE without END")
	}

	var branches []CaseBranch
	var orElse Token
	i := 0
	for i < len(keywords) && keywords[i].word == "WHEN" {
		if i+1 >= len(keywords) || keywords[i+1].word != "THEN" {
			return nil, 0, p.errorf(keywords[i].start, end, "WHEN without THEN")
		}
		when, err := p.parseExpr(keywords[i].end, keywords[i+1].start)
		if err != nil {
			return nil, 0, err
		}
		valueEnd := closing
		if i+2 < len(keywords) {
			valueEnd = keywords[i+2].start
		}
		then, err := p.parseExpr(keywords[i+1].end, valueEnd)
		if err != nil {
			return nil, 0, err
		}
		branches = append(branches, CaseBranch{When: when, Then: then})
		i += 2
	}
	if len(branches) == 0 {
		return nil, 0, p.errorf(start, closing+3, "CASE without WHEN")
	}
	if s, _ := p.trim(wordEnd, keywords[0].start); s != keywords[0].start {
		return nil, 0, p.errorf(wordEnd, keywords[0].start, "simple CASE is not supported")
	}
	if i < len(keywords) {
		if keywords[i].word != "ELSE" || i != len(keywords)-1 {
			return nil, 0, p.errorf(keywords[i].start, keywords[i].end, "unexpected %s in CASE", keywords[i].word)
		}
		orElse, err = p.parseExpr(keywords[i].end, closing)
		if err != nil {
			return nil, 0, err
		}
	}
	return p.parseCastSuffix(Case(branches, orElse), closing+len("END"), end)
}

// scanCaseKeywords returns the top-level WHEN/THEN/ELSE keywords after a CASE and the
// index of its END, or -1 if the END is missing.
func scanCaseKeywords(p *parser, idx, end int) ([]caseKeyword, int, error) {
	var keywords []caseKeyword
	depth := 0
	for i := idx; i < end; i++ {
		c := p.input[i]
		switch {
		case c == '\'' || c == '"':
			closing, err := p.findQuote(i, end)
			if err != nil {
				return nil, 0, err
			}
			i = closing
		case c == '(' || c == '[' || c == '{':
			closing, err := p.findClosing(i, end)
			if err != nil {
				return nil, 0, err
			}
			i = closing
		case isIdentChar(c):
			wordEnd := p.scanIdent(i, end)
			word := strings.ToUpper(p.input[i:wordEnd])
			switch word {
			case "CASE":
				depth++
			case "END":
				if depth == 0 {
					return keywords, i, nil
				}
				depth--
			case "WHEN", "THEN", "ELSE":
				if depth == 0 {
					keywords = append(keywords, caseKeyword{word: word, start: i, end: wordEnd})
				}
			}
			i = wordEnd - 1
		}
	}
	return keywords, -1, nil
}

func parseInterval(p *parser, start, wordEnd, end int) (Token, int, error) {
	quote := p.skipSpaces(wordEnd, end)
	if quote >= end || p.input[quote] != '\'' {
		return nil, 0, p.errorf(start, quote, "INTERVAL requires a quoted value")
	}
	closing, err := p.findQuote(quote, end)
	if err != nil {
		return nil, 0, p.errorf(start, end, "unterminated INTERVAL")
	}
	return p.parseCastSuffix(Interval(p.input[quote+1:closing]), closing+1, end)
}

func parseIsNull(p *parser, start, wordEnd, end int) (Token, int, error) {
	s, e := p.nextWord(wordEnd, end)
	isNull := true
	if strings.EqualFold(p.input[s:e], "NOT") {
		isNull = false
		s, e = p.nextWord(e, end)
	}
	if !strings.EqualFold(p.input[s:e], "NULL") {
		return nil, 0, p.errorf(start, e, "expected IS [NOT] NULL")
	}
	return IsNull(isNull), e, nil
}

func parseAtTimeZone(p *parser, start, wordEnd, end int) (Token, int, error) {
	s, e := p.nextWord(wordEnd, end)
	if !strings.EqualFold(p.input[s:e], "TIME") {
		return nil, 0, p.errorf(start, e, "expected AT TIME ZONE")
	}
	s, e = p.nextWord(e, end)
	if !strings.EqualFold(p.input[s:e], "ZONE") {
		return nil, 0, p.errorf(start, e, "expected AT TIME ZONE")
	}
	quote := p.skipSpaces(e, end)
	if quote >= end || p.input[quote] != '\'' {
		return nil, 0, p.errorf(start, quote, "AT TIME ZONE requires a quoted zone")
	}
	closing, err := p.findQuote(quote, end)
	if err != nil {
		return nil, 0, err
	}
	return AtTimeZone(p.input[quote+1 : closing]), closing + 1, nil
}
