package domain

import "strings"

// 保留字段，不参与展示，也不计入"非空"判断
const (
	FieldReplyTo  = "_replyto"
	FieldNext     = "_next"
	FieldSubject  = "_subject"
	FieldCC       = "_cc"
	FieldHoneypot = "_gotcha"
	FieldFormat   = "_format"
	FieldLanguage = "_language"

	// FieldEmail 会展示给表单所有者，同时也是回复地址的候选字段
	FieldEmail = "email"
)

var reservedFields = map[string]struct{}{
	FieldReplyTo:  {},
	FieldNext:     {},
	FieldSubject:  {},
	FieldCC:       {},
	FieldHoneypot: {},
	FieldFormat:   {},
	FieldLanguage: {},
}

// IsReserved 判断字段名是否为保留字段
func IsReserved(name string) bool {
	_, ok := reservedFields[name]
	return ok
}

// Field 是一个表单字段
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Payload 是按提交顺序排列的字段列表，字段名唯一。
type Payload []Field

// Set 写入字段。已存在的同名字段用 ", " 追加值，保持首次出现的位置；
// 空值不参与拼接。
func (p Payload) Set(name, value string) Payload {
	for i := range p {
		if p[i].Name == name {
			switch {
			case strings.TrimSpace(value) == "":
			case strings.TrimSpace(p[i].Value) == "":
				p[i].Value = value
			default:
				p[i].Value = p[i].Value + ", " + value
			}
			return p
		}
	}
	return append(p, Field{Name: name, Value: value})
}

// Get 返回字段值
func (p Payload) Get(name string) (string, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Visible 返回去掉保留字段后的字段
func (p Payload) Visible() Payload {
	out := make(Payload, 0, len(p))
	for _, f := range p {
		if !IsReserved(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// IsEmpty 没有任何非保留字段时为空
func (p Payload) IsEmpty() bool {
	for _, f := range p {
		if !IsReserved(f.Name) {
			return false
		}
	}
	return true
}

// HoneypotFilled 蜜罐字段被填写时返回 true。
// 只含分隔符或空白的值，以及 JSON 客户端常发的 false/0 都视为未填写。
func (p Payload) HoneypotFilled() bool {
	v, ok := p.Get(FieldHoneypot)
	if !ok {
		return false
	}
	v = strings.Trim(v, ", \t\r\n")
	switch v {
	case "", "false", "0":
		return false
	}
	return true
}

// ReplyTo 提取回复地址。
//
// 候选字段为 _replyto 和 email；任一非空值不是有效邮箱，或两者不一致时，
// 返回 *ReplyToError 并携带出问题的值。没有候选值时返回空字符串。
func (p Payload) ReplyTo() (string, error) {
	var chosen string
	for _, name := range []string{FieldReplyTo, FieldEmail} {
		raw, ok := p.Get(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		addr, err := NormalizeEmail(raw)
		if err != nil {
			return "", &ReplyToError{Address: raw}
		}
		if chosen != "" && chosen != addr {
			return "", &ReplyToError{Address: raw}
		}
		chosen = addr
	}
	return chosen, nil
}
