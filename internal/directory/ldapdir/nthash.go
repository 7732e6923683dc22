package ldapdir

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// ntHash returns the NT hash samba stores in sambaNTPassword: MD4 over the
// UTF-16LE password, upper-case hex
func ntHash(password string) string {
	runes := utf16.Encode([]rune(password))
	buf := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[i*2:], r)
	}
	h := md4.New()
	h.Write(buf)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
