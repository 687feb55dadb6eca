package idgen

import (
	"fmt"
	"strings"
)

const (
	luhnCharset  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_"
	mod30Charset = "0123456789ACDEFGHJKLMNPRTUVWXY"
)

type checkFunc func(base string) (byte, error)

// luhnCheck is the decimal Luhn check extended to upper-case letters and
// underscore: every character counts as its code point minus '0', so "A" is
// 17 and "_" is 47. For all-digit input it is the classic Luhn check.
func luhnCheck(base string) (byte, error) {
	sum := 0
	for i := 0; i < len(base); i++ {
		ch := base[len(base)-1-i]
		if strings.IndexByte(luhnCharset, ch) < 0 {
			return 0, fmt.Errorf("character %q is not allowed", ch)
		}
		digit := int(ch) - '0'
		weight := digit
		if i%2 == 0 {
			weight = 2*digit - (digit/5)*9
		}
		sum += weight
	}
	return byte('0' + (10-sum%10)%10), nil
}

// mod30Check is Luhn mod N over the 30 character set that leaves out
// letters easily mistaken for digits.
func mod30Check(base string) (byte, error) {
	n := len(mod30Charset)
	factor := 2
	sum := 0
	for i := len(base) - 1; i >= 0; i-- {
		code := strings.IndexByte(mod30Charset, base[i])
		if code < 0 {
			return 0, fmt.Errorf("character %q is not allowed", base[i])
		}
		addend := factor * code
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
		sum += addend/n + addend%n
	}
	return mod30Charset[(n-sum%n)%n], nil
}

func checkValid(value string, check checkFunc) bool {
	if len(value) < 2 {
		return false
	}
	want, err := check(value[:len(value)-1])
	if err != nil {
		return false
	}
	return want == value[len(value)-1]
}

// AppendCheckDigit appends the check character for validator to base.
func AppendCheckDigit(base, validator string) (string, error) {
	check, err := validatorCheck(validator)
	if err != nil {
		return "", err
	}
	c, err := check(strings.ToUpper(base))
	if err != nil {
		return "", err
	}
	return base + string(c), nil
}

func validatorCheck(validator string) (checkFunc, error) {
	switch strings.ToLower(validator) {
	case "luhn":
		return luhnCheck, nil
	case "luhnmod30":
		return mod30Check, nil
	default:
		return nil, fmt.Errorf("unknown check digit validator %q", validator)
	}
}
