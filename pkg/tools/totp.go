package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpTool generates RFC 6238 one-time codes for targets behind MFA. The
// default secret comes from the target profile's auth block; a call may
// override it.
type totpTool struct {
	secret string
}

func (t *totpTool) definition() (string, string, map[string]any) {
	return "generate_totp",
		"Generate the current TOTP code for the configured account, for logging in to MFA-protected targets.",
		Object(map[string]any{
			"secret": String("Base32 TOTP secret; defaults to the secret from the target profile."),
			"digits": Integer("Code length, 6 or 8. Defaults to 6."),
			"period": Integer("Time step in seconds. Defaults to 30."),
		})
}

func (t *totpTool) call(ctx context.Context, args map[string]any) (*Result, error) {
	secret := strings.TrimSpace(stringArg(args, "secret"))
	if secret == "" {
		secret = t.secret
	}
	if secret == "" {
		return Errf("no TOTP secret configured for this target"), nil
	}
	secret = strings.ToUpper(strings.ReplaceAll(secret, " ", ""))

	digits := otp.DigitsSix
	if intArg(args, "digits", 6) == 8 {
		digits = otp.DigitsEight
	}
	period := intArg(args, "period", 30)
	if period <= 0 {
		period = 30
	}

	now := time.Now()
	code, err := totp.GenerateCodeCustom(secret, now, totp.ValidateOpts{
		Period:    uint(period),
		Digits:    digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return Errf("generating TOTP code: %v", err), nil
	}

	remaining := period - int(now.Unix())%period
	return Ok(fmt.Sprintf("%s (valid for %ds)", code, remaining)), nil
}
