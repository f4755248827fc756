package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakKeyScoreThreshold = 3

// IsWeakKey returns whether the API key strength is considered weak.
// An empty key disables authentication entirely, so it is not weak.
func IsWeakKey(key string) bool {
	if key == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(key, nil)
	return result.Score < weakKeyScoreThreshold
}
