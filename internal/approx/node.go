package approx

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/solution"
)

// Model is the linear-quadratic data of one node for the current iterate.
//
// Dynamics stores the discretized transition in defect form:
// x_{i+1} - x̂_{i+1} = A·dx + B·du + c with c the shooting defect. At event
// nodes B is absent and A is the jump-map Jacobian. The terminal node has
// no Dynamics.
type Model struct {
	Dynamics       *ocmath.VectorLinear
	Cost           *ocmath.ScalarQuad
	EqConstraint   *ocmath.VectorLinear
	IneqConstraint *ocmath.VectorLinear
	// Projection eliminates the state-input equality constraint:
	// du = F + Dfdx·dx + Dfdu·δũ. Nil when projection is off or the node
	// has no such constraint.
	Projection *ocmath.VectorLinear
}

// IntermediateNode builds the model of a regular node: sensitivity
// discretization of the flow, quadratic cost scaled by the interval
// length, stacked constraint linearizations and the optional projection.
func IntermediateNode(prob *ocproblem.Problem, disc *rollout.Discretizer, project bool, t, dt float64, x, xNext, u *mat.VecDense) (Model, solution.PerformanceIndex) {
	var m Model
	var perf solution.PerformanceIndex

	pre := prob.Pre
	pre.Request(ocproblem.RequestDynamics|ocproblem.RequestCost|ocproblem.RequestConstraint|ocproblem.RequestApproximation, t, x, u)

	// Discretized dynamics, stored as shooting defect.
	m.Dynamics = disc.Linearize(prob.Dynamics, pre, t, dt, x, u)
	perf.StateEqISE += ocmath.SquaredDistance(m.Dynamics.F, xNext)
	m.Dynamics.F.SubVec(m.Dynamics.F, xNext)

	// Cost: sum of terms, scaled by dt.
	m.Cost = ocmath.NewScalarQuad(x.Len(), u.Len())
	for _, term := range prob.Cost.Terms() {
		m.Cost.AddInPlace(term.Quadratic(t, x, u, prob.Targets, pre))
	}
	scaleQuad(m.Cost, dt)
	perf.TotalCost += m.Cost.F

	// Equality constraints.
	m.EqConstraint = stackStateInput(prob.EqualityConstraints.Terms(), t, x, u, pre)
	if ng := m.EqConstraint.Rows(); ng > 0 {
		perf.StateInputEqISE += dt * mat.Dot(m.EqConstraint.F, m.EqConstraint.F)
		if project {
			m.Projection = Project(m.EqConstraint)
		}
	}

	// Inequality constraints fold into the cost through the penalty.
	m.IneqConstraint = stackStateInput(prob.InequalityConstraints.Terms(), t, x, u, pre)
	if m.IneqConstraint.Rows() > 0 {
		pen, ise := foldPenalty(m.Cost, m.IneqConstraint, prob.Penalty, dt)
		perf.InequalityPenalty += pen
		perf.InequalityISE += ise
	}

	return m, perf
}

// EventNode builds the model of a zero-duration pre-event node: linearized
// jump map, pre-jump cost and constraints. No input is involved.
func EventNode(prob *ocproblem.Problem, t float64, x, xNext *mat.VecDense) (Model, solution.PerformanceIndex) {
	var m Model
	var perf solution.PerformanceIndex

	pre := prob.Pre
	pre.RequestPreJump(ocproblem.RequestDynamics|ocproblem.RequestCost|ocproblem.RequestConstraint|ocproblem.RequestApproximation, t, x)

	hybrid, ok := prob.Hybrid()
	if ok {
		m.Dynamics = hybrid.JumpLinear(t, x, pre)
	} else {
		// Identity "jump" keeps the defect form well defined.
		m.Dynamics = &ocmath.VectorLinear{Dfdx: eye(x.Len()), F: ocmath.CloneVec(x)}
	}
	perf.StateEqISE += ocmath.SquaredDistance(m.Dynamics.F, xNext)
	m.Dynamics.F.SubVec(m.Dynamics.F, xNext)

	m.Cost = ocmath.NewScalarQuad(x.Len(), 0)
	for _, term := range prob.PreJumpCost.Terms() {
		m.Cost.AddInPlace(term.Quadratic(t, x, prob.Targets, pre))
	}
	perf.TotalCost += m.Cost.F

	m.EqConstraint = stackState(prob.PreJumpEqualityConstraints.Terms(), t, x, pre)
	if m.EqConstraint.Rows() > 0 {
		perf.StateEqISE += mat.Dot(m.EqConstraint.F, m.EqConstraint.F)
	}
	return m, perf
}

// TerminalNode builds the final-node model: terminal cost and constraints,
// no dynamics.
func TerminalNode(prob *ocproblem.Problem, t float64, x *mat.VecDense) (Model, solution.PerformanceIndex) {
	var m Model
	var perf solution.PerformanceIndex

	pre := prob.Pre
	pre.RequestFinal(ocproblem.RequestCost|ocproblem.RequestConstraint|ocproblem.RequestApproximation, t, x)

	m.Cost = ocmath.NewScalarQuad(x.Len(), 0)
	for _, term := range prob.FinalCost.Terms() {
		m.Cost.AddInPlace(term.Quadratic(t, x, prob.Targets, pre))
	}
	perf.TotalCost += m.Cost.F

	m.EqConstraint = stackState(prob.FinalEqualityConstraints.Terms(), t, x, pre)
	if m.EqConstraint.Rows() > 0 {
		perf.StateEqISE += mat.Dot(m.EqConstraint.F, m.EqConstraint.F)
	}
	return m, perf
}

// IntermediatePerformance evaluates cost and violations of a regular node
// without building approximations.
func IntermediatePerformance(prob *ocproblem.Problem, method rollout.Method, t, dt float64, x, xNext, u *mat.VecDense) solution.PerformanceIndex {
	var perf solution.PerformanceIndex
	pre := prob.Pre
	pre.Request(ocproblem.RequestDynamics|ocproblem.RequestCost|ocproblem.RequestConstraint, t, x, u)

	next := rollout.Step(method, prob.Dynamics, pre, t, x, u, dt)
	perf.StateEqISE += ocmath.SquaredDistance(next, xNext)

	for _, term := range prob.Cost.Terms() {
		perf.TotalCost += dt * term.Value(t, x, u, prob.Targets, pre)
	}
	for _, term := range prob.EqualityConstraints.Terms() {
		if g := term.Value(t, x, u, pre); g != nil {
			perf.StateInputEqISE += dt * mat.Dot(g, g)
		}
	}
	for _, term := range prob.InequalityConstraints.Terms() {
		h := term.Value(t, x, u, pre)
		for k := 0; h != nil && k < h.Len(); k++ {
			hv := h.AtVec(k)
			perf.InequalityPenalty += dt * prob.Penalty.Value(hv)
			if hv < 0 {
				perf.InequalityISE += dt * hv * hv
			}
		}
	}
	return perf
}

// EventPerformance evaluates the pre-jump node measures.
func EventPerformance(prob *ocproblem.Problem, t float64, x, xNext *mat.VecDense) solution.PerformanceIndex {
	var perf solution.PerformanceIndex
	pre := prob.Pre
	pre.RequestPreJump(ocproblem.RequestDynamics|ocproblem.RequestCost|ocproblem.RequestConstraint, t, x)

	if hybrid, ok := prob.Hybrid(); ok {
		perf.StateEqISE += ocmath.SquaredDistance(hybrid.Jump(t, x, pre), xNext)
	} else {
		perf.StateEqISE += ocmath.SquaredDistance(x, xNext)
	}
	for _, term := range prob.PreJumpCost.Terms() {
		perf.TotalCost += term.Value(t, x, prob.Targets, pre)
	}
	for _, term := range prob.PreJumpEqualityConstraints.Terms() {
		if g := term.Value(t, x, pre); g != nil {
			perf.StateEqISE += mat.Dot(g, g)
		}
	}
	return perf
}

// TerminalPerformance evaluates the final-node measures.
func TerminalPerformance(prob *ocproblem.Problem, t float64, x *mat.VecDense) solution.PerformanceIndex {
	var perf solution.PerformanceIndex
	pre := prob.Pre
	pre.RequestFinal(ocproblem.RequestCost|ocproblem.RequestConstraint, t, x)

	for _, term := range prob.FinalCost.Terms() {
		perf.TotalCost += term.Value(t, x, prob.Targets, pre)
	}
	for _, term := range prob.FinalEqualityConstraints.Terms() {
		if g := term.Value(t, x, pre); g != nil {
			perf.StateEqISE += mat.Dot(g, g)
		}
	}
	return perf
}

// foldPenalty adds the soft-constraint penalty of all inequality rows to
// the node cost (Gauss-Newton second order) and returns the penalty and
// violation ISE contributions.
func foldPenalty(cost *ocmath.ScalarQuad, ineq *ocmath.VectorLinear, penalty ocproblem.Penalty, dt float64) (pen, ise float64) {
	nx := cost.Fx.Len()
	nu := 0
	if cost.Fu != nil {
		nu = cost.Fu.Len()
	}
	for k := 0; k < ineq.Rows(); k++ {
		h := ineq.F.AtVec(k)
		p := penalty.Value(h)
		dp := penalty.Deriv(h)
		ddp := penalty.SecondDeriv(h)
		pen += dt * p
		if h < 0 {
			ise += dt * h * h
		}

		cost.F += dt * p
		for i := 0; i < nx; i++ {
			gi := ineq.Dfdx.At(k, i)
			cost.Fx.SetVec(i, cost.Fx.AtVec(i)+dt*dp*gi)
			for j := 0; j < nx; j++ {
				cost.Fxx.Set(i, j, cost.Fxx.At(i, j)+dt*ddp*gi*ineq.Dfdx.At(k, j))
			}
		}
		if nu == 0 || ineq.Dfdu == nil {
			continue
		}
		for a := 0; a < nu; a++ {
			ga := ineq.Dfdu.At(k, a)
			cost.Fu.SetVec(a, cost.Fu.AtVec(a)+dt*dp*ga)
			for b := 0; b < nu; b++ {
				cost.Fuu.Set(a, b, cost.Fuu.At(a, b)+dt*ddp*ga*ineq.Dfdu.At(k, b))
			}
			for j := 0; j < nx; j++ {
				cost.Fux.Set(a, j, cost.Fux.At(a, j)+dt*ddp*ga*ineq.Dfdx.At(k, j))
			}
		}
	}
	return pen, ise
}

func stackStateInput(terms []ocproblem.StateInputConstraint, t float64, x, u *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	lins := make([]*ocmath.VectorLinear, 0, len(terms))
	rows := 0
	for _, term := range terms {
		if term.NumConstraints(t) == 0 {
			continue
		}
		lin := term.Linear(t, x, u, pre)
		rows += lin.Rows()
		lins = append(lins, lin)
	}
	return stack(lins, rows, x.Len(), u.Len())
}

func stackState(terms []ocproblem.StateConstraint, t float64, x *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	lins := make([]*ocmath.VectorLinear, 0, len(terms))
	rows := 0
	for _, term := range terms {
		if term.NumConstraints(t) == 0 {
			continue
		}
		lin := term.Linear(t, x, pre)
		rows += lin.Rows()
		lins = append(lins, lin)
	}
	return stack(lins, rows, x.Len(), 0)
}

func stack(lins []*ocmath.VectorLinear, rows, nx, nu int) *ocmath.VectorLinear {
	if rows == 0 {
		return &ocmath.VectorLinear{}
	}
	out := &ocmath.VectorLinear{
		Dfdx: mat.NewDense(rows, nx, nil),
		F:    mat.NewVecDense(rows, nil),
	}
	if nu > 0 {
		out.Dfdu = mat.NewDense(rows, nu, nil)
	}
	r := 0
	for _, lin := range lins {
		for k := 0; k < lin.Rows(); k++ {
			out.F.SetVec(r, lin.F.AtVec(k))
			for j := 0; j < nx; j++ {
				out.Dfdx.Set(r, j, lin.Dfdx.At(k, j))
			}
			if nu > 0 && lin.Dfdu != nil {
				for j := 0; j < nu; j++ {
					out.Dfdu.Set(r, j, lin.Dfdu.At(k, j))
				}
			}
			r++
		}
	}
	return out
}

func scaleQuad(q *ocmath.ScalarQuad, s float64) {
	q.F *= s
	q.Fx.ScaleVec(s, q.Fx)
	q.Fxx.Scale(s, q.Fxx)
	if q.Fu != nil {
		q.Fu.ScaleVec(s, q.Fu)
		q.Fuu.Scale(s, q.Fuu)
		q.Fux.Scale(s, q.Fux)
	}
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
