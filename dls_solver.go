package reactctrl

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	jacobianStep     = 1e-6
	tinyStep         = 1e-7
	blockedStep      = 1e-4
	initialDamping   = 1e-3
	maxDamping       = 1e10
	divergenceFactor = 1e6
)

// DLSSolver is a damped least squares inverse kinematics solver. With
// UseHessian set it adapts the damping Levenberg-Marquardt style, otherwise
// it takes fixed-damping steps.
type DLSSolver struct {
	chain Chain
	// Damping is used when the request does not ask for the adaptive method.
	Damping float64
}

// NewDLSSolver returns a solver for chain.
func NewDLSSolver(chain Chain) *DLSSolver {
	return &DLSSolver{chain: chain, Damping: 1e-2}
}

type dlsProblem struct {
	req       *SolveRequest
	chain     Chain
	limits    []referenceframe.Limit
	objective float64
	wPos      float64
	wRot      float64
}

// residual stacks the weighted task errors at q: primary position, primary
// orientation (full control only), secondary point, tertiary posture.
func (p *dlsProblem) residual(q []float64) ([]float64, float64, error) {
	pose, err := p.chain.Pose(q)
	if err != nil {
		return nil, 0, err
	}
	target := p.req.Target
	dp := target.Point().Sub(pose.Point())

	r := make([]float64, 0, 9+len(q))
	r = append(r, p.wPos*dp.X, p.wPos*dp.Y, p.wPos*dp.Z)
	if p.req.Options.PoseControl == PoseFull {
		dr := spatialmath.PoseDelta(pose, target).Orientation().AxisAngles().ToR3().Mul(orientationScale * p.wRot)
		r = append(r, dr.X, dr.Y, dr.Z)
	}

	if sec := p.req.Secondary; sec.Enabled() {
		n2 := sec.Chain.DoF()
		secPose, err := sec.Chain.Pose(q[:n2])
		if err != nil {
			return nil, 0, err
		}
		d := sec.Target.Sub(secPose.Point())
		w := math.Sqrt(sec.Weight)
		r = append(r, w*sec.Weights.X*d.X, w*sec.Weights.Y*d.Y, w*sec.Weights.Z*d.Z)
	}

	if ter := p.req.Tertiary; ter.Enabled() {
		w := math.Sqrt(ter.Weight)
		for i, target := range ter.Target {
			wi := 1.0
			if len(ter.Weights) == len(ter.Target) {
				wi = ter.Weights[i]
			}
			r = append(r, w*wi*(target-q[i]))
		}
	}

	floats.Scale(p.objective, r)
	return r, poseError(target, pose, p.req.Options.PoseControl), nil
}

func (p *dlsProblem) clamp(q []float64) {
	for i := range q {
		q[i] = math.Min(math.Max(q[i], p.limits[i].Min), p.limits[i].Max)
	}
}

// jacobian of the residual by forward differences.
func (p *dlsProblem) jacobian(q, r0 []float64) (*mat.Dense, error) {
	jac := mat.NewDense(len(r0), len(q), nil)
	perturbed := append([]float64(nil), q...)
	for j := range q {
		perturbed[j] = q[j] + jacobianStep
		r, _, err := p.residual(perturbed)
		if err != nil {
			return nil, err
		}
		for i := range r0 {
			jac.Set(i, j, (r[i]-r0[i])/jacobianStep)
		}
		perturbed[j] = q[j]
	}
	return jac, nil
}

func cost(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}

// step solves (JᵀJ + λI) dz = -Jᵀr, with J already expressed in scaled variables.
func step(jac *mat.Dense, r []float64, lambda float64) ([]float64, error) {
	_, n := jac.Dims()
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	for i := 0; i < n; i++ {
		jtj.Set(i, i, jtj.At(i, i)+lambda)
	}
	var g mat.VecDense
	g.MulVec(jac.T(), mat.NewVecDense(len(r), r))
	g.ScaleVec(-1, &g)

	var dz mat.VecDense
	if err := dz.SolveVec(&jtj, &g); err != nil {
		// near-singular systems still produce a usable step
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	return dz.RawVector().Data, nil
}

func (s *DLSSolver) Solve(ctx context.Context, req *SolveRequest) SolveResult {
	n := s.chain.DoF()
	switch {
	case req == nil || req.Target == nil:
		return SolveResult{Code: CodeInternalError}
	case n == 0 || len(req.Q0) != n:
		return SolveResult{Q: append([]float64(nil), req.Q0...), Code: CodeTooFewDegreesOfFreedom}
	case req.Secondary.Enabled() && req.Secondary.Chain.DoF() > n,
		req.Tertiary.Enabled() && len(req.Tertiary.Target) != n:
		return SolveResult{Q: append([]float64(nil), req.Q0...), Code: CodeInternalError}
	}

	objective, variables := req.Options.Scaling.factors()
	wPos, wRot := req.Options.PosePriority.weights()
	if req.Options.PoseControl != PoseFull {
		wPos = 1
	}
	p := &dlsProblem{
		req:       req,
		chain:     s.chain,
		limits:    s.chain.Limits(),
		objective: objective,
		wPos:      wPos,
		wRot:      wRot,
	}
	if len(p.limits) != n {
		return SolveResult{Q: append([]float64(nil), req.Q0...), Code: CodeInternalError}
	}
	// auxiliary tasks keep pulling after the primary is met, so the solve
	// runs to a stationary point instead of stopping at the first hit
	auxiliary := req.Secondary.Enabled() || req.Tertiary.Enabled()
	acceptable := 10 * req.Options.Tol

	q := append([]float64(nil), req.Q0...)
	p.clamp(q)
	r, err0, err := p.residual(q)
	if err != nil {
		return SolveResult{Q: q, Code: CodeErrorInStepComputation}
	}
	if floats.HasNaN(r) {
		return SolveResult{Q: q, Code: CodeInvalidNumberDetected}
	}
	initialCost := cost(r)
	lambda := initialDamping
	if !req.Options.UseHessian {
		lambda = s.Damping
	}

	for iter := 0; iter < req.Options.MaxIter; iter++ {
		if req.halted(ctx) {
			return SolveResult{Q: q, Code: CodeUserRequestedStop, Iterations: iter}
		}
		if err0 < req.Options.Tol && !auxiliary {
			return SolveResult{Q: q, Code: CodeSuccess, Iterations: iter}
		}

		jac, err := p.jacobian(q, r)
		if err != nil {
			return SolveResult{Q: q, Code: CodeErrorInStepComputation, Iterations: iter}
		}
		if variables != 1 {
			jac.Scale(variables, jac)
		}
		dz, err := step(jac, r, lambda)
		if err != nil {
			return SolveResult{Q: q, Code: CodeErrorInStepComputation, Iterations: iter}
		}
		floats.Scale(variables, dz)
		if floats.HasNaN(dz) {
			return SolveResult{Q: q, Code: CodeInvalidNumberDetected, Iterations: iter}
		}

		trial := make([]float64, n)
		floats.AddTo(trial, q, dz)
		p.clamp(trial)
		if floats.Distance(trial, q, 2) < tinyStep {
			switch {
			case floats.Norm(dz, 2) > blockedStep:
				return SolveResult{Q: q, Code: CodeLocalInfeasibility, Iterations: iter + 1}
			case err0 < req.Options.Tol:
				return SolveResult{Q: q, Code: CodeSuccess, Iterations: iter + 1}
			case err0 < acceptable:
				return SolveResult{Q: q, Code: CodeStopAtAcceptablePoint, Iterations: iter + 1}
			default:
				return SolveResult{Q: q, Code: CodeStopAtTinyStep, Iterations: iter + 1}
			}
		}

		rTrial, errTrial, err := p.residual(trial)
		if err != nil {
			return SolveResult{Q: q, Code: CodeErrorInStepComputation, Iterations: iter + 1}
		}
		if floats.HasNaN(rTrial) {
			return SolveResult{Q: q, Code: CodeInvalidNumberDetected, Iterations: iter + 1}
		}
		trialCost := cost(rTrial)
		if trialCost > divergenceFactor*(initialCost+1) {
			return SolveResult{Q: q, Code: CodeDivergingIterates, Iterations: iter + 1}
		}

		if !req.Options.UseHessian {
			q, r, err0 = trial, rTrial, errTrial
			continue
		}
		if trialCost < cost(r) {
			q, r, err0 = trial, rTrial, errTrial
			lambda /= 2
			continue
		}
		lambda *= 4
		if lambda > maxDamping {
			return SolveResult{Q: q, Code: CodeRestorationFailure, Iterations: iter + 1}
		}
	}

	if err0 < req.Options.Tol {
		return SolveResult{Q: q, Code: CodeSuccess, Iterations: req.Options.MaxIter}
	}
	return SolveResult{Q: q, Code: CodeMaxIterExceeded, Iterations: req.Options.MaxIter}
}
