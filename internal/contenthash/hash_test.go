package contenthash

import "testing"

func TestCard(t *testing.T) {
	t.Run("generates correct hash", func(t *testing.T) {
		// Hash for "1:q1:a1:c"
		expectedHash := "28aa2fc5d7807c29499eee3aca27a2fe6ce51d0b3b407f47a68914a59b463eae"
		if hash := Card("Q", "A", "C"); hash != expectedHash {
			t.Errorf("Expected hash '%s', but got '%s'", expectedHash, hash)
		}
	})

	t.Run("normalization produces same hash", func(t *testing.T) {
		a := Card("  what is go? \r\n", "A programming language.", "")
		b := Card("What Is Go?", "a programming language.", "")
		if a != b {
			t.Error("Expected hashes to be the same after normalization, but they were different.")
		}
	})

	t.Run("field boundaries matter", func(t *testing.T) {
		if Card("question", "answer", "") == Card("questionanswer", "", "") {
			t.Error("Expected field boundaries to change the hash")
		}
		if Card("a\nb", "c", "") == Card("a", "b\nc", "") {
			t.Error("Expected newlines inside fields not to shift field boundaries")
		}
	})
}

func TestText(t *testing.T) {
	if Text("a\r\nb") != Text("a\nb") {
		t.Error("Expected CRLF and LF documents to hash the same")
	}
	if Text("Hello") == Text("hello") {
		t.Error("Expected document hashes to be case sensitive")
	}
}
