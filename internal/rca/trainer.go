package rca

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// minTrainingRows is the smallest labeled set the trainer accepts.
const minTrainingRows = 10

// TrainingExample is one labeled suspect: the human judgement and the
// evidence it was made on.
type TrainingExample struct {
	Label    int
	Evidence map[string]float64
}

// TrainResult reports the held-out metrics of a training run.
type TrainResult struct {
	Examples  int
	TrainSize int
	TestSize  int
	Precision float64
	Recall    float64
	F1        float64
	ROCAUC    float64
}

// Train fits a class-balanced logistic regression on the labeled examples
// and writes the artifact to modelPath. The split is stratified 80/20 with a
// fixed shuffle seed so runs are reproducible. Returns a diagnostic error
// when fewer than 10 labeled rows exist.
func Train(rows []TrainingExample, modelPath string) (*TrainResult, error) {
	if len(rows) < minTrainingRows {
		return nil, fmt.Errorf("need at least %d labeled examples for training, have %d", minTrainingRows, len(rows))
	}

	X := make([][]float64, len(rows))
	y := make([]int, len(rows))
	for i, row := range rows {
		X[i] = Vectorize(row.Evidence, ModelFeatureOrder)
		y[i] = row.Label
	}

	trainIdx, testIdx := stratifiedSplit(y, 0.2, 42)

	weights, bias := fitLogistic(X, y, trainIdx)

	result := &TrainResult{
		Examples:  len(rows),
		TrainSize: len(trainIdx),
		TestSize:  len(testIdx),
	}
	evaluate(X, y, testIdx, weights, bias, result)

	artifact := &ModelArtifact{
		Version:      ModelVersion,
		FeatureNames: append([]string(nil), ModelFeatureOrder...),
		Weights:      weights,
		Bias:         bias,
	}
	if err := SaveModel(modelPath, artifact); err != nil {
		return nil, err
	}
	return result, nil
}

// stratifiedSplit shuffles each class independently and holds out testFrac
// of each, so both splits keep the class mix.
func stratifiedSplit(y []int, testFrac float64, seed int64) (trainIdx, testIdx []int) {
	rng := rand.New(rand.NewSource(seed))

	var positives, negatives []int
	for i, label := range y {
		if label == 1 {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}
	rng.Shuffle(len(positives), func(i, j int) { positives[i], positives[j] = positives[j], positives[i] })
	rng.Shuffle(len(negatives), func(i, j int) { negatives[i], negatives[j] = negatives[j], negatives[i] })

	for _, class := range [][]int{positives, negatives} {
		nTest := int(math.Round(float64(len(class)) * testFrac))
		if nTest == 0 && len(class) > 1 {
			nTest = 1
		}
		testIdx = append(testIdx, class[:nTest]...)
		trainIdx = append(trainIdx, class[nTest:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return trainIdx, testIdx
}

// fitLogistic runs full-batch gradient descent on standardized features with
// class-balanced sample weights, then folds the standardization back into
// the returned weights so they apply to raw evidence vectors.
func fitLogistic(X [][]float64, y []int, trainIdx []int) ([]float64, float64) {
	nFeatures := len(ModelFeatureOrder)
	n := len(trainIdx)

	// Standardize per feature over the training split.
	mean := make([]float64, nFeatures)
	std := make([]float64, nFeatures)
	for j := 0; j < nFeatures; j++ {
		sum := 0.0
		for _, i := range trainIdx {
			sum += X[i][j]
		}
		mean[j] = sum / float64(n)
		varSum := 0.0
		for _, i := range trainIdx {
			d := X[i][j] - mean[j]
			varSum += d * d
		}
		std[j] = math.Sqrt(varSum / float64(n))
		if std[j] < 1e-9 {
			std[j] = 1.0
		}
	}

	// Balanced sample weights: n / (2 * count(class)).
	nPos := 0
	for _, i := range trainIdx {
		if y[i] == 1 {
			nPos++
		}
	}
	nNeg := n - nPos
	posWeight, negWeight := 1.0, 1.0
	if nPos > 0 {
		posWeight = float64(n) / (2.0 * float64(nPos))
	}
	if nNeg > 0 {
		negWeight = float64(n) / (2.0 * float64(nNeg))
	}

	w := make([]float64, nFeatures)
	b := 0.0
	const (
		learningRate = 0.1
		epochs       = 2000
	)

	grad := make([]float64, nFeatures)
	for epoch := 0; epoch < epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		gradB := 0.0
		for _, i := range trainIdx {
			z := b
			for j := 0; j < nFeatures; j++ {
				z += w[j] * (X[i][j] - mean[j]) / std[j]
			}
			p := sigmoid(z)
			sampleWeight := negWeight
			target := 0.0
			if y[i] == 1 {
				sampleWeight = posWeight
				target = 1.0
			}
			residual := sampleWeight * (p - target)
			for j := 0; j < nFeatures; j++ {
				grad[j] += residual * (X[i][j] - mean[j]) / std[j]
			}
			gradB += residual
		}
		for j := 0; j < nFeatures; j++ {
			w[j] -= learningRate * grad[j] / float64(n)
		}
		b -= learningRate * gradB / float64(n)
	}

	// Fold the standardization into the raw-space parameters.
	rawW := make([]float64, nFeatures)
	rawB := b
	for j := 0; j < nFeatures; j++ {
		rawW[j] = w[j] / std[j]
		rawB -= w[j] * mean[j] / std[j]
	}
	return rawW, rawB
}

func evaluate(X [][]float64, y []int, testIdx []int, w []float64, b float64, result *TrainResult) {
	if len(testIdx) == 0 {
		return
	}

	scores := make([]float64, len(testIdx))
	labels := make([]int, len(testIdx))
	tp, fp, fn := 0, 0, 0
	for k, i := range testIdx {
		z := b
		for j := range w {
			z += w[j] * X[i][j]
		}
		p := sigmoid(z)
		scores[k] = p
		labels[k] = y[i]

		predicted := 0
		if p >= 0.5 {
			predicted = 1
		}
		switch {
		case predicted == 1 && y[i] == 1:
			tp++
		case predicted == 1 && y[i] == 0:
			fp++
		case predicted == 0 && y[i] == 1:
			fn++
		}
	}

	if tp+fp > 0 {
		result.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		result.Recall = float64(tp) / float64(tp+fn)
	}
	if result.Precision+result.Recall > 0 {
		result.F1 = 2 * result.Precision * result.Recall / (result.Precision + result.Recall)
	}
	result.ROCAUC = rocAUC(scores, labels)
}

// rocAUC computes the area under the ROC curve by pairwise comparison; ties
// count half. Returns 0 when the test split has only one class.
func rocAUC(scores []float64, labels []int) float64 {
	nPos, nNeg := 0, 0
	for _, l := range labels {
		if l == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0
	}
	sum := 0.0
	for i, si := range scores {
		if labels[i] != 1 {
			continue
		}
		for j, sj := range scores {
			if labels[j] != 0 {
				continue
			}
			switch {
			case si > sj:
				sum += 1.0
			case si == sj:
				sum += 0.5
			}
		}
	}
	return sum / float64(nPos*nNeg)
}
