package imagery

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// isErrorEnvelope reports whether a content type may carry an OGC
// ServiceException or OWS ExceptionReport.
func isErrorEnvelope(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "xml")
}

// ParseServiceException extracts the human-readable messages of a WMS
// ServiceExceptionReport or an OWS ExceptionReport. It reports false when the
// body is neither.
func ParseServiceException(body []byte) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false

	var (
		messages []string
		inMsg    bool
		text     strings.Builder
		found    bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "ServiceExceptionReport", "ExceptionReport":
				found = true
			case "ServiceException", "ExceptionText":
				inMsg = true
				text.Reset()
				if code := attrValue(t, "code"); code != "" && t.Name.Local == "ServiceException" {
					text.WriteString(code + ": ")
				}
			}
		case xml.CharData:
			if inMsg {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "ServiceException" || t.Name.Local == "ExceptionText" {
				inMsg = false
				if msg := strings.Join(strings.Fields(text.String()), " "); msg != "" {
					messages = append(messages, msg)
				}
			}
		}
	}
	if !found {
		return "", false
	}
	return strings.Join(messages, "; "), true
}

func attrValue(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
