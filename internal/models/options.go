package models

// Closed value sets shared by validation and downstream consumers.

var (
	// PrivacyLevels defines the recognized bookshelf privacy levels
	PrivacyLevels = []string{
		"public",
		"friends",
		"private",
	}
)
