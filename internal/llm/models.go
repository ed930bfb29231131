package llm

// Feature selects which model ordering a request uses.
type Feature string

const (
	FeatureLesson     Feature = "lesson"
	FeatureQuiz       Feature = "quiz"
	FeatureFlashcards Feature = "flashcards"
	FeatureChat       Feature = "chat"
)

// ModelPool lists the preferred models. Availability changes over time;
// the fallback loop handles models that stop responding.
var ModelPool = []string{
	"meta-llama/llama-3.1-8b-instruct:free",
	"qwen/qwen-2.5-32b-instruct:free",
	"google/gemma-2-9b-it:free",
	"mistralai/mistral-7b-instruct:free",
	"deepseek/deepseek-r1:free",
	"openchat/openchat-3.5:free",
	"mistralai/mixtral-8x7b-instruct",
	"meta-llama/llama-3.1-70b-instruct",
	"qwen/qwen-2.5-72b-instruct",
	"nousresearch/hermes-2-pro-mistral",
}

// DefaultModelOrder biases lessons toward wider-context generalists and
// quizzes/flashcards toward models that follow JSON instructions well.
func DefaultModelOrder() map[Feature][]string {
	pick := func(idx ...int) []string {
		out := make([]string, len(idx))
		for i, n := range idx {
			out[i] = ModelPool[n]
		}
		return out
	}
	return map[Feature][]string{
		FeatureLesson:     pick(0, 2, 6, 3, 7, 1, 8, 4, 5, 9),
		FeatureQuiz:       pick(0, 1, 2, 3, 6, 7, 5, 4, 8, 9),
		FeatureFlashcards: pick(0, 1, 2, 3, 6, 7, 5, 4, 8, 9),
		FeatureChat:       pick(0, 1, 2, 3, 4, 5, 6, 7, 8, 9),
	}
}
