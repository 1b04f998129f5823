package tensor

import "fmt"

func buildTopo(t *Tensor, visited map[*Tensor]bool, order *[]*Tensor) {
	if visited[t] {
		return
	}
	visited[t] = true
	if t.creator != nil {
		for _, in := range t.creator.Inputs() {
			if in.requiresGrad {
				buildTopo(in, visited, order)
			}
		}
	}
	*order = append(*order, t)
}

// backprop walks the graph from root in reverse topological order and
// returns the gradient reaching every participating tensor.
func backprop(root, seed *Tensor, track bool) (map[*Tensor]*Tensor, error) {
	grads := map[*Tensor]*Tensor{root: seed}
	var order []*Tensor
	buildTopo(root, make(map[*Tensor]bool), &order)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok || node.creator == nil {
			continue
		}
		inGrads, err := node.creator.Backward(g, track)
		if err != nil {
			return nil, err
		}
		inputs := node.creator.Inputs()
		if len(inGrads) != len(inputs) {
			return nil, fmt.Errorf("operation %T returned %d gradients for %d inputs",
				node.creator, len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			if existing, found := grads[in]; found {
				sum, err := Add(existing, inGrads[j])
				if err != nil {
					return nil, err
				}
				grads[in] = sum
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return grads, nil
}

// Backward differentiates a scalar loss and accumulates gradients into every
// reachable leaf tensor that requires them. Gradients add up across calls
// until cleared with ZeroGrad.
func Backward(loss *Tensor) error {
	if loss == nil {
		return fmt.Errorf("Backward: nil loss")
	}
	if !loss.IsScalar() {
		return fmt.Errorf("Backward: loss must be scalar, have shape %v", loss.Shape())
	}
	if !loss.requiresGrad {
		return fmt.Errorf("Backward: loss does not participate in differentiation")
	}
	seed, err := Ones(1, 1, loss.device)
	if err != nil {
		return err
	}
	grads, err := backprop(loss, seed, false)
	if err != nil {
		return err
	}
	for t, g := range grads {
		if t.creator == nil && t.requiresGrad {
			t.accumulateGrad(g)
		}
	}
	return nil
}

// Grad returns the gradient of output with respect to wrt, seeded with ones,
// without touching accumulated gradients anywhere in the graph. With
// track=true the result stays connected to the graph, so expressions built
// from it (such as gradient penalties) remain differentiable.
func Grad(output, wrt *Tensor, track bool) (*Tensor, error) {
	if output == nil || wrt == nil {
		return nil, fmt.Errorf("Grad: nil tensor")
	}
	if !output.requiresGrad {
		return nil, fmt.Errorf("Grad: output does not participate in differentiation")
	}
	if !wrt.requiresGrad {
		return nil, fmt.Errorf("Grad: wrt does not participate in differentiation")
	}
	seed, err := Ones(output.Rows(), output.Cols(), output.device)
	if err != nil {
		return nil, err
	}
	grads, err := backprop(output, seed, track)
	if err != nil {
		return nil, err
	}
	g, ok := grads[wrt]
	if !ok {
		return nil, fmt.Errorf("Grad: no gradient path from output to wrt")
	}
	return g, nil
}
