package nftclaimer

// spaceCollectionABI is the subset of the collection implementation used to
// encode initializers. initialize omits the trailing parameters the
// contract fills itself.
const spaceCollectionABI = `[
  {
    "type": "function",
    "name": "initialize",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "name", "type": "string" },
      { "name": "version", "type": "string" },
      { "name": "maxSupply", "type": "uint128" },
      { "name": "mintPrice", "type": "uint256" },
      { "name": "proposerFee", "type": "uint8" },
      { "name": "spaceTreasury", "type": "address" },
      { "name": "spaceOwner", "type": "address" }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "mint",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "proposer", "type": "address" },
      { "name": "proposalId", "type": "uint256" },
      { "name": "salt", "type": "uint256" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]`

const spaceFactoryABI = `[
  {
    "type": "function",
    "name": "deployProxy",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "implementation", "type": "address" },
      { "name": "initializer", "type": "bytes" },
      { "name": "salt", "type": "uint256" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]`
