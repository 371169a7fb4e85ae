package prediction

import "math"

func sigmoid(x float64) float64 {
	return 1.0 / (1 + math.Exp(-x))
}

func clamp01(p float64) float64 {
	return math.Min(1, math.Max(0, p))
}

// PredictSimple maps a skill difference to the probability of a correct
// answer, mixing in the chance of guessing right among the options.
func PredictSimple(skill float64, opts Options) float64 {
	guess := opts.guess()
	return guess + (1-guess)*sigmoid(skill)
}

// PredictWithOptions computes the probability of a correct answer for the
// asked item together with the probabilities that each individual option is
// answered instead. It enumerates all know/don't-know combinations over the
// asked item and the options, assuming a user who doesn't know picks
// uniformly among the options they can't rule out. Exponential in the
// number of options, which stays small (at most six in practice).
func PredictWithOptions(skillAsked float64, optionSkills []float64) (float64, []float64) {
	if len(optionSkills) == 0 {
		return sigmoid(skillAsked), nil
	}
	probs := make([]float64, 0, len(optionSkills)+1)
	probs = append(probs, sigmoid(skillAsked))
	for _, s := range optionSkills {
		probs = append(probs, sigmoid(s))
	}

	askedProb := 0.0
	optionWrongProbs := make([]float64, len(optionSkills))
	combinations := 1 << len(probs)
	for c := 0; c < combinations; c++ {
		knowsAsked := c&1 == 1
		guessOptions := 0
		currentProb := 1.0
		for j, p := range probs {
			if c&(1<<j) != 0 {
				currentProb *= p
			} else {
				currentProb *= 1 - p
				guessOptions++
			}
		}
		if knowsAsked {
			guessOptions = 1
		}
		askedProb += currentProb / float64(guessOptions)
		if guessOptions > 1 {
			for j := range optionSkills {
				if c&(1<<(j+1)) == 0 {
					optionWrongProbs[j] += currentProb / float64(guessOptions)
				}
			}
		}
	}
	return askedProb, optionWrongProbs
}
