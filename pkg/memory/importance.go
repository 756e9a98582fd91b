package memory

// Signals are the per-draft inputs to the importance score. Frequency
// and UserIntent come from the analyzer, Novelty from the vector probe,
// Length from the draft content.
type Signals struct {
	// Frequency is how often the fact surfaced in the transcript.
	// Saturates at 10.
	Frequency float64

	// Novelty is 1 minus the best similarity found by the novelty probe,
	// in [0, 1]. A transcript full of known facts scores low.
	Novelty float64

	// UserIntent estimates how explicitly the user asked for this to be
	// remembered, in [0, 1].
	UserIntent float64

	// Length is the draft content length in bytes. Saturates at 2000.
	Length int
}

// Score combines the signals into an importance value in [0, 1]:
//
//	0.30·clamp(frequency/10) + 0.25·novelty +
//	0.30·userIntent + 0.15·clamp(length/2000)
func Score(s Signals) float64 {
	v := 0.3*clamp01(s.Frequency/10) +
		0.25*s.Novelty +
		0.3*s.UserIntent +
		0.15*clamp01(float64(s.Length)/2000)
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
