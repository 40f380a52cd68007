package referral

import (
	"crypto/rand"
	"fmt"
)

// GenerateCode draws CodeLength characters uniformly from CodeAlphabet.
func GenerateCode() (Code, error) {
	buffer := make([]byte, CodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return Code{}, fmt.Errorf("read random bytes: %w", err)
	}
	alphabetSize := byte(len(CodeAlphabet))
	for index, value := range buffer {
		// 256 is a multiple of the 32-character alphabet, so the modulo is unbiased.
		buffer[index] = CodeAlphabet[value%alphabetSize]
	}
	return Code{value: string(buffer)}, nil
}
