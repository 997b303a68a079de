package adapter

import (
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rotisserie/eris"
)

// totpCode generates the current one-time code for sites that layer TOTP
// on top of the password form.
func totpCode(secret string) (string, error) {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return "", eris.Wrap(err, "adapter: generate totp code")
	}
	return code, nil
}
