package sqldump

import (
	"fmt"
	"strings"
)

// ParseError 表示某一行批量语句解析失败。单行失败只影响该行，
// 批次里其余行照常解析。
type ParseError struct {
	Line   int // 批次内行号，从 1 开始
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sqldump 第 %d 行解析失败: %s", e.Line, e.Reason)
}

// Row 是一行 `STATEMENT TABLE (字段...) VALUES (值...)` 解析后的结果，
// 字段与值按原始顺序一一对应。
type Row struct {
	Fields []string
	Values []string
}

// Get 按字段名取值（字段名不区分大小写）。
func (r Row) Get(field string) (string, bool) {
	for i, f := range r.Fields {
		if strings.EqualFold(f, field) && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return "", false
}

// ParseStatement 解析单行批量 upsert 语句。要求恰好两个顶层括号组：
// 第一组为字段表，第二组为值表；值表内的引号字符串可以包含逗号。
func ParseStatement(line string) (Row, error) {
	groups, err := topLevelGroups(line)
	if err != nil {
		return Row{}, err
	}
	if len(groups) != 2 {
		return Row{}, fmt.Errorf("期望 2 个括号组，实际 %d 个", len(groups))
	}
	fields := splitFields(groups[0])
	values, err := splitValues(groups[1])
	if err != nil {
		return Row{}, err
	}
	if len(fields) != len(values) {
		return Row{}, fmt.Errorf("字段数 %d 与值数 %d 不一致", len(fields), len(values))
	}
	return Row{Fields: fields, Values: values}, nil
}

// ParseBatch 逐行解析，返回成功行与带行号的失败集合。
func ParseBatch(lines []string) ([]Row, []*ParseError) {
	rows := make([]Row, 0, len(lines))
	var errs []*ParseError
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row, err := ParseStatement(line)
		if err != nil {
			errs = append(errs, &ParseError{Line: i + 1, Reason: err.Error(), Raw: line})
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

// topLevelGroups 扫描一行，收集顶层括号组内容。
// 单引号字符串内的括号与逗号不参与结构判断。
func topLevelGroups(line string) ([]string, error) {
	var groups []string
	var buf strings.Builder
	depth := 0
	inQuote := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inQuote {
			if ch == '\'' {
				// '' 为转义的单引号
				if i+1 < len(line) && line[i+1] == '\'' {
					buf.WriteByte(ch)
					buf.WriteByte(ch)
					i++
					continue
				}
				inQuote = false
			}
			if depth > 0 {
				buf.WriteByte(ch)
			}
			continue
		}
		switch ch {
		case '\'':
			inQuote = true
			if depth > 0 {
				buf.WriteByte(ch)
			}
		case '(':
			depth++
			if depth == 1 {
				buf.Reset()
				continue
			}
			buf.WriteByte(ch)
		case ')':
			if depth == 0 {
				return nil, fmt.Errorf("第 %d 列出现未配对的右括号", i+1)
			}
			depth--
			if depth == 0 {
				groups = append(groups, buf.String())
				continue
			}
			buf.WriteByte(ch)
		default:
			if depth > 0 {
				buf.WriteByte(ch)
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("括号未闭合")
	}
	if inQuote {
		return nil, fmt.Errorf("引号未闭合")
	}
	return groups, nil
}

// splitFields 按逗号切分字段表，剥掉反引号/引号与空白。
func splitFields(group string) []string {
	parts := strings.Split(group, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "`\"'")
		out = append(out, p)
	}
	return out
}

// splitValues 按逗号切分值表，单引号内的逗号不断开。
func splitValues(group string) ([]string, error) {
	var out []string
	var buf strings.Builder
	inQuote := false
	quoted := false // 当前值是否来自引号字符串
	flush := func() {
		v := buf.String()
		if !quoted {
			v = strings.TrimSpace(v)
		}
		out = append(out, v)
		buf.Reset()
		quoted = false
	}
	for i := 0; i < len(group); i++ {
		ch := group[i]
		if inQuote {
			if ch == '\'' {
				if i+1 < len(group) && group[i+1] == '\'' {
					buf.WriteByte('\'')
					i++
					continue
				}
				inQuote = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '\'':
			inQuote = true
			quoted = true
		case ',':
			flush()
		case ' ', '\t':
			if buf.Len() > 0 && !quoted {
				buf.WriteByte(ch)
			}
		default:
			buf.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("值表引号未闭合")
	}
	flush()
	return out, nil
}
