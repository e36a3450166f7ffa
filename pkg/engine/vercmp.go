package engine

import (
	"strings"
	"unicode"
)

// VerCmp compares two package versions of the form [epoch:]version[-release].
// It returns -1, 0 or 1.
func VerCmp(a, b string) int {
	if a == b {
		return 0
	}
	epochA, verA, relA := splitEVR(a)
	epochB, verB, relB := splitEVR(b)

	if ret := segmentCmp(epochA, epochB); ret != 0 {
		return ret
	}
	if ret := segmentCmp(verA, verB); ret != 0 {
		return ret
	}
	if relA != "" && relB != "" {
		return segmentCmp(relA, relB)
	}
	return 0
}

func splitEVR(v string) (epoch, version, release string) {
	epoch = "0"
	if i := strings.IndexFunc(v, func(r rune) bool { return !unicode.IsDigit(r) }); i > 0 && v[i] == ':' {
		epoch = v[:i]
		v = v[i+1:]
	} else if i == 0 && strings.HasPrefix(v, ":") {
		v = v[1:]
	}
	if i := strings.LastIndexByte(v, '-'); i >= 0 {
		return epoch, v[:i], v[i+1:]
	}
	return epoch, v, ""
}

func isAlnum(c byte) bool {
	return isDigit(c) || isAlpha(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// segmentCmp implements the rpm style comparison used by the engine.
func segmentCmp(a, b string) int {
	if a == b {
		return 0
	}
	one, two := 0, 0
	for one < len(a) && two < len(b) {
		startOne, startTwo := one, two
		for one < len(a) && !isAlnum(a[one]) {
			one++
		}
		for two < len(b) && !isAlnum(b[two]) {
			two++
		}
		if one >= len(a) || two >= len(b) {
			break
		}
		// different separator lengths decide
		if one-startOne != two-startTwo {
			if one-startOne < two-startTwo {
				return -1
			}
			return 1
		}

		segStartOne, segStartTwo := one, two
		numeric := isDigit(a[one])
		if numeric {
			for one < len(a) && isDigit(a[one]) {
				one++
			}
			for two < len(b) && isDigit(b[two]) {
				two++
			}
		} else {
			for one < len(a) && isAlpha(a[one]) {
				one++
			}
			for two < len(b) && isAlpha(b[two]) {
				two++
			}
		}
		segOne, segTwo := a[segStartOne:one], b[segStartTwo:two]

		if segTwo == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segOne = strings.TrimLeft(segOne, "0")
			segTwo = strings.TrimLeft(segTwo, "0")
			if len(segOne) != len(segTwo) {
				if len(segOne) > len(segTwo) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(segOne, segTwo); c != 0 {
			return c
		}
	}

	restOne, restTwo := a[one:], b[two:]
	if restOne == "" && restTwo == "" {
		return 0
	}
	// "1.0" < "1.0a" is not true for alpha suffixes: "1.0a" < "1.0"
	if (restOne == "" && !isAlpha(restTwo[0])) || (restOne != "" && isAlpha(restOne[0])) {
		return -1
	}
	return 1
}
