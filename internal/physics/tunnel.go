// Package physics integrates the ball inside the rectangular tunnel and
// resolves wall bounces, paddle hits and scoring crossings.
//
// The tunnel spans x in [-TunnelWidth, TunnelWidth], y in [-TunnelHeight,
// TunnelHeight] and z in [-TunnelLength, 0]. The near paddle sits at z=0 and
// the far paddle at z=-TunnelLength.
package physics

import (
	"errors"
	"math"
	"math/rand"
)

const epsilon = 1e-3

// Config holds the tunnel geometry and ball tuning.
type Config struct {
	TunnelWidth  float64
	TunnelHeight float64
	TunnelLength float64

	BallRadius float64
	BaseSpeed  float64
	MaxSpeed   float64
	SpeedUp    float64

	PaddleHalfWidth  float64
	PaddleHalfHeight float64
	PaddleHalfDepth  float64
	// HitMargin widens the paddle volume to forgive client latency.
	HitMargin float64
	// ScoreMargin is how far past a paddle plane the ball must travel to score.
	ScoreMargin float64
	// OffsetInfluence weights the hit offset against the forward axis on a return.
	OffsetInfluence float64
	// MaxLaunchAngle bounds the serve direction away from the forward axis, in radians.
	MaxLaunchAngle float64

	Substeps int
}

// serveHeight is the y coordinate every ball is served from.
const serveHeight = 0.2

// DefaultConfig returns the tuned baseline geometry.
func DefaultConfig() Config {
	return Config{
		TunnelWidth:      1.5,
		TunnelHeight:     1.0,
		TunnelLength:     10,
		BallRadius:       0.1,
		BaseSpeed:        4,
		MaxSpeed:         12,
		SpeedUp:          1.1,
		PaddleHalfWidth:  0.3,
		PaddleHalfHeight: 0.2,
		PaddleHalfDepth:  0.05,
		HitMargin:        0.05,
		ScoreMargin:      0.5,
		OffsetInfluence:  0.75,
		MaxLaunchAngle:   math.Pi / 4,
		Substeps:         3,
	}
}

// Validate rejects geometry the integrator cannot honour.
func (c Config) Validate() error {
	switch {
	case !(c.TunnelWidth > c.BallRadius) || !(c.TunnelHeight > c.BallRadius):
		return errors.New("tunnel must be wider and taller than the ball")
	case serveHeight > c.TunnelHeight-c.BallRadius:
		return errors.New("tunnel is too low for the serve height")
	case !(c.TunnelLength > 0):
		return errors.New("tunnel length must be positive")
	case !(c.BaseSpeed > 0) || c.MaxSpeed < c.BaseSpeed:
		return errors.New("ball speeds must satisfy 0 < base <= max")
	case c.SpeedUp < 1:
		return errors.New("speed-up factor must be at least 1")
	case c.Substeps < 1:
		return errors.New("at least one substep is required")
	case c.ScoreMargin <= c.PaddleHalfDepth+c.BallRadius+c.HitMargin:
		return errors.New("score margin must clear the paddle hit volume")
	}
	return nil
}

// End identifies one end of the tunnel.
type End int

const (
	NoEnd End = iota
	NearEnd
	FarEnd
)

// Paddle is a paddle centre on its end plane.
type Paddle struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// InBounds reports whether the paddle centre lies inside the tunnel cross-section.
func (c Config) InBounds(p Paddle) bool {
	return finite(p.X) && finite(p.Y) &&
		math.Abs(p.X) <= c.TunnelWidth && math.Abs(p.Y) <= c.TunnelHeight
}

// Ball is the authoritative ball state.
type Ball struct {
	Position Vec3    `json:"position"`
	Velocity Vec3    `json:"velocity"`
	Scale    float64 `json:"scale"`
}

// Speed returns the ball's current speed.
func (b Ball) Speed() float64 { return b.Velocity.Length() }

// NewBall serves a ball from the tunnel centre. The direction stays within
// MaxLaunchAngle of the forward axis and heads to either end with equal odds.
func NewBall(cfg Config, rng *rand.Rand) Ball {
	alpha := rng.Float64() * cfg.MaxLaunchAngle
	beta := rng.Float64() * 2 * math.Pi
	forward := 1.0
	if rng.Intn(2) == 0 {
		forward = -1
	}
	dir := Vec3{
		X: math.Sin(alpha) * math.Cos(beta),
		Y: math.Sin(alpha) * math.Sin(beta),
		Z: forward * math.Cos(alpha),
	}
	return Ball{
		Position: Vec3{X: 0, Y: serveHeight, Z: -cfg.TunnelLength / 2},
		Velocity: dir.Scale(cfg.BaseSpeed),
		Scale:    1,
	}
}

// StepResult reports what happened during one Step.
type StepResult struct {
	// Crossed is the end the ball passed, NoEnd when nobody scored.
	Crossed End
	// Hits counts paddle returns during the step.
	Hits int
}

// Step advances the ball by dt seconds split into cfg.Substeps substeps and
// stops at the first scoring crossing.
func Step(cfg Config, ball *Ball, near, far Paddle, dt float64) StepResult {
	var result StepResult
	//1.- Ignore degenerate timesteps so a stalled clock never moves the ball backwards.
	if ball == nil || !(dt > 0) {
		return result
	}
	substeps := cfg.Substeps
	if substeps < 1 {
		substeps = 1
	}
	h := dt / float64(substeps)
	for i := 0; i < substeps; i++ {
		//2.- Integrate, then resolve walls before paddles so the hit test sees a contained ball.
		ball.Position = ball.Position.Add(ball.Velocity.Scale(h))
		bounceWalls(cfg, ball)
		if ball.Velocity.Z > 0 && hitsPaddle(cfg, ball, near, 0) {
			returnBall(cfg, ball, near, 0, -1)
			result.Hits++
		} else if ball.Velocity.Z < 0 && hitsPaddle(cfg, ball, far, -cfg.TunnelLength) {
			returnBall(cfg, ball, far, -cfg.TunnelLength, 1)
			result.Hits++
		}
		//3.- A crossing ends the step; the caller resets the ball.
		if end := crossedEnd(cfg, ball); end != NoEnd {
			result.Crossed = end
			return result
		}
	}
	return result
}

func bounceWalls(cfg Config, ball *Ball) {
	limitX := cfg.TunnelWidth - cfg.BallRadius
	if ball.Position.X > limitX {
		ball.Position.X = limitX - epsilon
		ball.Velocity.X = -math.Abs(ball.Velocity.X)
	} else if ball.Position.X < -limitX {
		ball.Position.X = -limitX + epsilon
		ball.Velocity.X = math.Abs(ball.Velocity.X)
	}
	limitY := cfg.TunnelHeight - cfg.BallRadius
	if ball.Position.Y > limitY {
		ball.Position.Y = limitY - epsilon
		ball.Velocity.Y = -math.Abs(ball.Velocity.Y)
	} else if ball.Position.Y < -limitY {
		ball.Position.Y = -limitY + epsilon
		ball.Velocity.Y = math.Abs(ball.Velocity.Y)
	}
}

func hitsPaddle(cfg Config, ball *Ball, paddle Paddle, planeZ float64) bool {
	reachX := cfg.PaddleHalfWidth + cfg.BallRadius + cfg.HitMargin
	reachY := cfg.PaddleHalfHeight + cfg.BallRadius + cfg.HitMargin
	reachZ := cfg.PaddleHalfDepth + cfg.BallRadius + cfg.HitMargin
	return math.Abs(ball.Position.X-paddle.X) <= reachX &&
		math.Abs(ball.Position.Y-paddle.Y) <= reachY &&
		math.Abs(ball.Position.Z-planeZ) <= reachZ
}

// returnBall sends the ball back along forward (+1 towards the near end, -1
// towards the far end), steering by where it struck the paddle.
func returnBall(cfg Config, ball *Ball, paddle Paddle, planeZ, forward float64) {
	offX := clamp((ball.Position.X-paddle.X)/(cfg.PaddleHalfWidth+cfg.BallRadius), -1, 1)
	offY := clamp((ball.Position.Y-paddle.Y)/(cfg.PaddleHalfHeight+cfg.BallRadius), -1, 1)
	dir := Vec3{
		X: offX * cfg.OffsetInfluence,
		Y: offY * cfg.OffsetInfluence,
		Z: forward,
	}.Normalize()
	speed := math.Min(ball.Speed()*cfg.SpeedUp, cfg.MaxSpeed)
	ball.Velocity = dir.Scale(speed)
	// Push the ball clear of the hit volume so the next substep cannot re-hit.
	ball.Position.Z = planeZ + forward*(cfg.PaddleHalfDepth+cfg.BallRadius+cfg.HitMargin+epsilon)
}

func crossedEnd(cfg Config, ball *Ball) End {
	switch {
	case ball.Position.Z > cfg.ScoreMargin:
		return NearEnd
	case ball.Position.Z < -cfg.TunnelLength-cfg.ScoreMargin:
		return FarEnd
	default:
		return NoEnd
	}
}
