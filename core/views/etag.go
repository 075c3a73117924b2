package views

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"
)

func bytesToEtag(jsonData []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(jsonData))
}

func bytesPlusTotalCountToEtag(jsonData []byte, totalCount int) string {
	hash := md5.New()
	hash.Write(jsonData)
	hash.Write([]byte(strconv.Itoa(totalCount)))
	return fmt.Sprintf("\"%x\"", hash.Sum(nil))
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
