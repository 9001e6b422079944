package apierr

import (
	"github.com/valyala/fastjson"
)

// ParseErrorJSON turns the remote's error payload into field -> messages.
// Recognised shapes:
//
//	{"errors":"msg"}                              -> error: [msg]
//	{"errors":{"order":"msg"}}                    -> order: [msg]
//	{"errors":{"order":["a","b"]}}                -> order: [a b]
//	{"errors":["a","b"]} / [{"message":"a"}]      -> error: [a b]
//	{"error":"foo","error_description":"bar"}     -> foo: [bar]
//	{"error":"msg"}                               -> error: [msg]
//
// Anything else returns false.
func ParseErrorJSON(body []byte) (map[string][]string, bool) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil || v.Type() != fastjson.TypeObject {
		return nil, false
	}

	if errs := v.Get("errors"); errs != nil {
		out := map[string][]string{}
		switch errs.Type() {
		case fastjson.TypeString:
			out["error"] = []string{string(errs.GetStringBytes())}
		case fastjson.TypeObject:
			o, _ := errs.Object()
			o.Visit(func(key []byte, m *fastjson.Value) {
				if msgs := messages(m); len(msgs) > 0 {
					out[string(key)] = msgs
				}
			})
		case fastjson.TypeArray:
			if msgs := messages(errs); len(msgs) > 0 {
				out["error"] = msgs
			}
		}
		return out, len(out) > 0
	}

	if e := v.Get("error"); e != nil && e.Type() == fastjson.TypeString {
		name := string(e.GetStringBytes())
		if d := v.Get("error_description"); d != nil && d.Type() == fastjson.TypeString {
			return map[string][]string{name: {string(d.GetStringBytes())}}, true
		}
		return map[string][]string{"error": {name}}, true
	}

	return nil, false
}

func messages(v *fastjson.Value) []string {
	switch v.Type() {
	case fastjson.TypeString:
		return []string{string(v.GetStringBytes())}
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item.Type() == fastjson.TypeObject {
				if msg := item.GetStringBytes("message"); msg != nil {
					out = append(out, string(msg))
					continue
				}
			}
			out = append(out, messages(item)...)
		}
		return out
	case fastjson.TypeNull:
		return nil
	default:
		return []string{v.String()}
	}
}
