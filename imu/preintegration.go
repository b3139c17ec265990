// Package imu implements inertial preintegration between consecutive keyframes.
package imu

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/spatialmath"
	"github.com/EmmanuelMess/covins/utils"
)

// Residual layout: position, orientation, velocity, accelerometer bias, gyroscope bias.
const (
	OffsetP  = 0
	OffsetQ  = 3
	OffsetV  = 6
	OffsetBa = 9
	OffsetBg = 12

	// ResidualSize is the dimension of the preintegration residual.
	ResidualSize = 15
	// SpeedBiasSize is the length of a [v ba bg] buffer.
	SpeedBiasSize = 9
)

// noise input layout
const (
	noiseAcc = 0
	noiseGyr = 3
	noiseBa  = 6
	noiseBg  = 9
)

// NoiseParams are the continuous-time sensor noise densities and the gravity magnitude.
type NoiseParams struct {
	AccNoise       float64 `json:"acc_noise"`
	GyroNoise      float64 `json:"gyro_noise"`
	AccRandomWalk  float64 `json:"acc_random_walk"`
	GyroRandomWalk float64 `json:"gyro_random_walk"`
	Gravity        float64 `json:"gravity"`
}

// DefaultNoiseParams returns values typical of a MEMS IMU.
func DefaultNoiseParams() NoiseParams {
	return NoiseParams{
		AccNoise:       0.08,
		GyroNoise:      0.004,
		AccRandomWalk:  0.00004,
		GyroRandomWalk: 2.0e-6,
		Gravity:        9.81,
	}
}

// Measurement is a single IMU sample applied over Dt seconds.
type Measurement struct {
	Dt   float64
	Acc  r3.Vector
	Gyro r3.Vector
}

// Preintegration accumulates the relative motion between two keyframes from the IMU samples
// recorded between them, linearized around a bias estimate.
type Preintegration struct {
	measurements []Measurement
	noise        NoiseParams

	linBa r3.Vector
	linBg r3.Vector

	sumDt  float64
	deltaP r3.Vector
	deltaV r3.Vector
	deltaQ quat.Number

	jacobian   *mat.Dense
	covariance *mat.SymDense
	sqrtInfo   *mat.Dense
}

// New integrates the measurements around the given biases.
func New(measurements []Measurement, ba, bg r3.Vector, noise NoiseParams) *Preintegration {
	pre := &Preintegration{
		measurements: append([]Measurement(nil), measurements...),
		noise:        noise,
	}
	pre.Repropagate(ba, bg)
	return pre
}

// Len returns the number of IMU samples.
func (pre *Preintegration) Len() int {
	return len(pre.measurements)
}

// SumDt returns the integrated time span.
func (pre *Preintegration) SumDt() float64 { return pre.sumDt }

// DeltaP returns the preintegrated position.
func (pre *Preintegration) DeltaP() r3.Vector { return pre.deltaP }

// DeltaV returns the preintegrated velocity.
func (pre *Preintegration) DeltaV() r3.Vector { return pre.deltaV }

// DeltaQ returns the preintegrated rotation.
func (pre *Preintegration) DeltaQ() quat.Number { return pre.deltaQ }

// LinearizationBias returns the biases the preintegration is currently linearized around.
func (pre *Preintegration) LinearizationBias() (r3.Vector, r3.Vector) {
	return pre.linBa, pre.linBg
}

// Covariance returns the 15x15 covariance of the preintegrated quantities.
func (pre *Preintegration) Covariance() mat.Symmetric { return pre.covariance }

// SqrtInformation returns the upper triangular square root of the inverse covariance.
func (pre *Preintegration) SqrtInformation() mat.Matrix { return pre.sqrtInfo }

// Repropagate re-integrates every sample around new bias estimates.
func (pre *Preintegration) Repropagate(ba, bg r3.Vector) {
	pre.linBa = ba
	pre.linBg = bg
	pre.sumDt = 0
	pre.deltaP = r3.Vector{}
	pre.deltaV = r3.Vector{}
	pre.deltaQ = quat.Number{Real: 1}
	pre.jacobian = eye(ResidualSize)
	pre.covariance = mat.NewSymDense(ResidualSize, nil)

	noiseCov := mat.NewDiagDense(12, nil)
	for i := 0; i < 3; i++ {
		noiseCov.SetDiag(noiseAcc+i, pre.noise.AccNoise*pre.noise.AccNoise)
		noiseCov.SetDiag(noiseGyr+i, pre.noise.GyroNoise*pre.noise.GyroNoise)
		noiseCov.SetDiag(noiseBa+i, pre.noise.AccRandomWalk*pre.noise.AccRandomWalk)
		noiseCov.SetDiag(noiseBg+i, pre.noise.GyroRandomWalk*pre.noise.GyroRandomWalk)
	}

	for _, m := range pre.measurements {
		pre.propagate(m, noiseCov)
	}
	pre.sqrtInfo = sqrtInformation(pre.covariance)
}

func (pre *Preintegration) propagate(m Measurement, noiseCov mat.Matrix) {
	dt := m.Dt
	acc := m.Acc.Sub(pre.linBa)
	gyr := m.Gyro.Sub(pre.linBg)

	rot := spatialmath.RotationMatrix(pre.deltaQ)
	accW := spatialmath.MulMatVec(rot, acc)
	dR := spatialmath.QuatExp(gyr.Mul(dt))

	pre.deltaP = pre.deltaP.Add(pre.deltaV.Mul(dt)).Add(accW.Mul(0.5 * dt * dt))
	pre.deltaV = pre.deltaV.Add(accW.Mul(dt))
	pre.deltaQ = spatialmath.Normalize(quat.Mul(pre.deltaQ, dR))
	pre.sumDt += dt

	var rAccSkew mat.Dense
	rAccSkew.Mul(rot, spatialmath.Skew(acc))

	f := eye(ResidualSize)
	setBlock(f, OffsetP, OffsetQ, scaled(&rAccSkew, -0.5*dt*dt))
	setBlock(f, OffsetP, OffsetV, scaled(eye(3), dt))
	setBlock(f, OffsetP, OffsetBa, scaled(rot, -0.5*dt*dt))
	setBlock(f, OffsetQ, OffsetQ, spatialmath.RotationMatrix(quat.Conj(dR)))
	setBlock(f, OffsetQ, OffsetBg, scaled(eye(3), -dt))
	setBlock(f, OffsetV, OffsetQ, scaled(&rAccSkew, -dt))
	setBlock(f, OffsetV, OffsetBa, scaled(rot, -dt))

	g := mat.NewDense(ResidualSize, 12, nil)
	setBlock(g, OffsetP, noiseAcc, scaled(rot, 0.5*dt*dt))
	setBlock(g, OffsetQ, noiseGyr, scaled(eye(3), dt))
	setBlock(g, OffsetV, noiseAcc, scaled(rot, dt))
	setBlock(g, OffsetBa, noiseBa, scaled(eye(3), dt))
	setBlock(g, OffsetBg, noiseBg, scaled(eye(3), dt))

	var jac mat.Dense
	jac.Mul(f, pre.jacobian)
	pre.jacobian = &jac

	var fp, fpf, gq, gqg mat.Dense
	fp.Mul(f, pre.covariance)
	fpf.Mul(&fp, f.T())
	gq.Mul(g, noiseCov)
	gqg.Mul(&gq, g.T())
	fpf.Add(&fpf, &gqg)
	cov := mat.NewSymDense(ResidualSize, nil)
	for i := 0; i < ResidualSize; i++ {
		for j := i; j < ResidualSize; j++ {
			cov.SetSym(i, j, 0.5*(fpf.At(i, j)+fpf.At(j, i)))
		}
	}
	pre.covariance = cov
}

// Evaluate computes the whitened residual between two states. Poses are [qx qy qz qw tx ty tz]
// world-from-body buffers and speed-biases are [v ba bg] buffers.
func (pre *Preintegration) Evaluate(poseI, sbI, poseJ, sbJ, residual []float64) error {
	for _, b := range [][]float64{poseI, poseJ} {
		if len(b) != spatialmath.PoseBufferSize {
			return utils.NewBufferSizeError("pose", spatialmath.PoseBufferSize, len(b))
		}
	}
	for _, b := range [][]float64{sbI, sbJ} {
		if len(b) != SpeedBiasSize {
			return utils.NewBufferSizeError("speed-bias", SpeedBiasSize, len(b))
		}
	}
	if len(residual) != ResidualSize {
		return utils.NewBufferSizeError("imu residual", ResidualSize, len(residual))
	}
	ti := spatialmath.FromBuffer(poseI)
	tj := spatialmath.FromBuffer(poseJ)
	vi, bai, bgi := vec(sbI[0:3]), vec(sbI[3:6]), vec(sbI[6:9])
	vj, baj, bgj := vec(sbJ[0:3]), vec(sbJ[3:6]), vec(sbJ[6:9])

	dba := bai.Sub(pre.linBa)
	dbg := bgi.Sub(pre.linBg)

	jPBa := block(pre.jacobian, OffsetP, OffsetBa)
	jPBg := block(pre.jacobian, OffsetP, OffsetBg)
	jQBg := block(pre.jacobian, OffsetQ, OffsetBg)
	jVBa := block(pre.jacobian, OffsetV, OffsetBa)
	jVBg := block(pre.jacobian, OffsetV, OffsetBg)

	corrQ := quat.Mul(pre.deltaQ, spatialmath.QuatExp(spatialmath.MulMatVec(jQBg, dbg)))
	corrV := pre.deltaV.Add(spatialmath.MulMatVec(jVBa, dba)).Add(spatialmath.MulMatVec(jVBg, dbg))
	corrP := pre.deltaP.Add(spatialmath.MulMatVec(jPBa, dba)).Add(spatialmath.MulMatVec(jPBg, dbg))

	gravity := r3.Vector{Z: pre.noise.Gravity}
	dt := pre.sumDt
	qiInv := quat.Conj(ti.Rotation)

	rp := spatialmath.RotatePoint(qiInv,
		gravity.Mul(0.5*dt*dt).Add(tj.Translation).Sub(ti.Translation).Sub(vi.Mul(dt))).Sub(corrP)
	dq := quat.Mul(quat.Mul(quat.Conj(corrQ), qiInv), tj.Rotation)
	if dq.Real < 0 {
		dq = quat.Scale(-1, dq)
	}
	rq := r3.Vector{X: 2 * dq.Imag, Y: 2 * dq.Jmag, Z: 2 * dq.Kmag}
	rv := spatialmath.RotatePoint(qiInv, gravity.Mul(dt).Add(vj).Sub(vi)).Sub(corrV)
	rba := baj.Sub(bai)
	rbg := bgj.Sub(bgi)

	raw := mat.NewVecDense(ResidualSize, []float64{
		rp.X, rp.Y, rp.Z,
		rq.X, rq.Y, rq.Z,
		rv.X, rv.Y, rv.Z,
		rba.X, rba.Y, rba.Z,
		rbg.X, rbg.Y, rbg.Z,
	})
	out := mat.NewVecDense(ResidualSize, residual)
	out.MulVec(pre.sqrtInfo, raw)
	return nil
}

func vec(buf []float64) r3.Vector {
	return r3.Vector{X: buf[0], Y: buf[1], Z: buf[2]}
}
