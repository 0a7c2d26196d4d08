package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// anchorABI is the consumed slice of the anchoring contract's interface.
const anchorABI = `[
	{
		"type": "function",
		"name": "anchorBatch",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "merkleRoot", "type": "bytes32"},
			{"name": "batchSize", "type": "uint256"},
			{"name": "metadataURI", "type": "string"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "verifyInvoiceByCID",
		"stateMutability": "view",
		"inputs": [
			{"name": "merkleRoot", "type": "bytes32"},
			{"name": "cid", "type": "string"},
			{"name": "proof", "type": "bytes32[]"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "registerIndividualInvoice",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "merkleRoot", "type": "bytes32"},
			{"name": "invoiceId", "type": "string"},
			{"name": "cid", "type": "string"},
			{"name": "invoiceHash", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "getBatch",
		"stateMutability": "view",
		"inputs": [{"name": "merkleRoot", "type": "bytes32"}],
		"outputs": [
			{"name": "merkleRoot", "type": "bytes32"},
			{"name": "batchSize", "type": "uint256"},
			{"name": "issuer", "type": "address"},
			{"name": "metadataURI", "type": "string"},
			{"name": "timestamp", "type": "uint256"}
		]
	}
]`

var (
	parsedABIOnce sync.Once
	parsedABI     abi.ABI
	parsedABIErr  error
)

func contractABI() (abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(anchorABI))
	})
	return parsedABI, parsedABIErr
}
