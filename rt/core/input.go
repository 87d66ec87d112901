package core

// InputDelta is the movement and look input gathered between two frames.
// Forward, Strafe and Rise are axis values in [-1,1]; LookX and LookY are
// cursor motion in pixels.
type InputDelta struct {
	Forward float32
	Strafe  float32
	Rise    float32
	LookX   float32
	LookY   float32
}

func (d InputDelta) Add(o InputDelta) InputDelta {
	return InputDelta{
		Forward: clampAxis(d.Forward + o.Forward),
		Strafe:  clampAxis(d.Strafe + o.Strafe),
		Rise:    clampAxis(d.Rise + o.Rise),
		LookX:   d.LookX + o.LookX,
		LookY:   d.LookY + o.LookY,
	}
}

func (d InputDelta) IsZero() bool {
	return d == InputDelta{}
}

func clampAxis(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
