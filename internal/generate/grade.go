package generate

import "github.com/conorfennell/slidetutor/internal/domain"

// Unanswered marks a question the learner skipped.
const Unanswered = -1

// Result is the outcome of a quiz attempt.
type Result struct {
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
	Score   int    `json:"score"` // percent, rounded down
	Answers []int  `json:"answers"`
	Right   []bool `json:"right"`
}

// Perfect reports whether every question was answered correctly.
func (r Result) Perfect() bool {
	return r.Total > 0 && r.Correct == r.Total
}

// Grade scores answers against a quiz. answers[i] is the chosen option for
// question i; missing or out-of-range answers count as wrong.
func Grade(quiz domain.Quiz, answers []int) Result {
	res := Result{
		Total:   len(quiz.Questions),
		Answers: make([]int, len(quiz.Questions)),
		Right:   make([]bool, len(quiz.Questions)),
	}
	for i, q := range quiz.Questions {
		choice := Unanswered
		if i < len(answers) && answers[i] >= 0 && answers[i] < len(q.Options) {
			choice = answers[i]
		}
		res.Answers[i] = choice
		if choice != Unanswered && choice == q.CorrectIndex {
			res.Right[i] = true
			res.Correct++
		}
	}
	if res.Total > 0 {
		res.Score = res.Correct * 100 / res.Total
	}
	return res
}
