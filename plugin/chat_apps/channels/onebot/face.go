package onebot

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// faceTextPattern extracts faceText from the Python-repr form some OneBot
// implementations put in face.data.raw.
var faceTextPattern = regexp.MustCompile(`'faceText': '(.*?)'`)

// decodeFace returns the meaning of a QQ face segment, e.g. "微笑" for a
// raw faceText of "[微笑]". The raw value may be a JSON object or a
// string. Undecodable input yields "".
func decodeFace(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var faceText string
	switch raw[0] {
	case '{':
		var obj struct {
			FaceText string `json:"faceText"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		faceText = obj.FaceText
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		m := faceTextPattern.FindStringSubmatch(s)
		if m == nil {
			return ""
		}
		faceText = m[1]
	default:
		return ""
	}

	decoded := html.UnescapeString(faceText)
	if len(decoded) < 2 || !strings.HasPrefix(decoded, "[") || !strings.HasSuffix(decoded, "]") {
		return ""
	}
	return decoded[1 : len(decoded)-1]
}
