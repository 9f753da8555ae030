package pgwire

import (
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/jackc/pgproto3/v2"
)

// digestMD5Password computes the response to an AuthenticationMD5Password
// request: md5(md5(password + user) + salt) with a "md5" prefix.
func digestMD5Password(password, user string, salt [4]byte) string {
	return "md5" + hexMD5(hexMD5(password+user)+string(salt[:]))
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}

func (pgConn *PgConn) txPasswordMessage(password string) error {
	buf, err := (&pgproto3.PasswordMessage{Password: password}).Encode(pgConn.wbuf)
	if err != nil {
		return err
	}
	_, err = pgConn.conn.Write(buf)
	return err
}
