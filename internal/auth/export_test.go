package auth

import "time"

func (v *JWTValidator) SetNow(now func() time.Time) {
	v.now = now
}
